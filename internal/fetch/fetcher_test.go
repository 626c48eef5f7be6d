package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFetch_StreamsToDisk(t *testing.T) {
	payload := bytes.Repeat([]byte("pdf-bytes "), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(Config{})

	data, err := f.Fetch(context.Background(), "2401.00001", srv.URL, dir, false)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("returned bytes differ from payload")
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "2401.00001.pdf"))
	if err != nil {
		t.Fatalf("reading cached file: %v", err)
	}
	if !bytes.Equal(onDisk, payload) {
		t.Errorf("cached file differs from payload")
	}
}

func TestFetch_ReusesExistingFile(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cached := []byte("cached pdf contents")
	if err := os.WriteFile(filepath.Join(dir, "p1.pdf"), cached, 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(Config{})
	data, err := f.Fetch(context.Background(), "p1", srv.URL, dir, true)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(data, cached) {
		t.Errorf("expected cached bytes, got %q", data)
	}
	if calls != 0 {
		t.Errorf("server called %d times, want 0", calls)
	}
}

func TestFetch_EmptyCacheFileIsRefetched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "p1.pdf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(Config{})
	data, err := f.Fetch(context.Background(), "p1", srv.URL, dir, true)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "fresh" {
		t.Errorf("got %q, want fresh download", data)
	}
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(Config{})
	_, err := f.Fetch(context.Background(), "p1", srv.URL, t.TempDir(), false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("error = %v, want ErrFetchFailed", err)
	}
}

func TestFetch_MissingURL(t *testing.T) {
	f := NewFetcher(Config{})
	_, err := f.Fetch(context.Background(), "p1", "", t.TempDir(), false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("error = %v, want ErrFetchFailed", err)
	}
}

func TestFetch_NoPartialFileOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte("partial"))
		// Hijack and drop the connection mid-body.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(Config{})
	_, err := f.Fetch(context.Background(), "p1", srv.URL, dir, false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "p1.pdf")); !os.IsNotExist(statErr) {
		t.Error("partial download left behind as p1.pdf")
	}
}
