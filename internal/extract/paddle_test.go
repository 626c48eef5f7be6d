package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTestPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPaddleProcess_ParsesResponse(t *testing.T) {
	figure := []byte{0xff, 0xd8, 0xff} // jpeg magic
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocr" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			t.Errorf("not a multipart upload: %v", err)
		}
		if r.MultipartForm == nil || len(r.MultipartForm.File["file"]) == 0 {
			t.Error("missing file part")
		}
		json.NewEncoder(w).Encode(paddleResponse{
			Markdown:       "# Title\n\nBody text.",
			Images:         map[string]string{"fig_1.jpg": base64.StdEncoding.EncodeToString(figure)},
			TotalPages:     30,
			ProcessedPages: 25,
		})
	}))
	defer srv.Close()

	c := NewPaddleClient(PaddleConfig{BaseURL: srv.URL})
	res, err := c.Process(context.Background(), writeTestPDF(t))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if res.Text != "# Title\n\nBody text." {
		t.Errorf("Text = %q", res.Text)
	}
	if string(res.Images["fig_1.jpg"]) != string(figure) {
		t.Errorf("figure bytes not decoded")
	}
	if res.Status.Mode != ModeStructured {
		t.Errorf("Mode = %q", res.Status.Mode)
	}
	if !res.Status.IsOversized {
		t.Error("30-page paper should be flagged oversized")
	}
	if res.Status.ProcessedPages != 25 {
		t.Errorf("ProcessedPages = %d", res.Status.ProcessedPages)
	}
}

func TestPaddleProcess_EmptyResultFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paddleResponse{TotalPages: 5})
	}))
	defer srv.Close()

	c := NewPaddleClient(PaddleConfig{BaseURL: srv.URL})
	_, err := c.Process(context.Background(), writeTestPDF(t))
	if !errors.Is(err, ErrOCRFailed) {
		t.Errorf("error = %v, want ErrOCRFailed", err)
	}
}

func TestPaddleProcess_RetriesTransientFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(paddleResponse{
			Markdown:       "ok",
			TotalPages:     1,
			ProcessedPages: 1,
		})
	}))
	defer srv.Close()

	c := NewPaddleClient(PaddleConfig{BaseURL: srv.URL})
	res, err := c.Process(context.Background(), writeTestPDF(t))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if res.Text != "ok" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestPaddleHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewPaddleClient(PaddleConfig{BaseURL: srv.URL})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
