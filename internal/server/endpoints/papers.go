package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/svcctx"
)

// ListPapersResponse is the response for listing stored papers.
type ListPapersResponse struct {
	Papers []*store.Paper `json:"papers"`
}

// ReassignRequest moves every paper under one task to another.
type ReassignRequest struct {
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
	ToTaskName string `json:"to_task_name"`
}

// ReassignResponse reports how many papers moved.
type ReassignResponse struct {
	Moved int64 `json:"moved"`
}

func paperError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ListPapersEndpoint handles GET /api/papers.
type ListPapersEndpoint struct{}

func (e *ListPapersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/papers", e.handler
}

func (e *ListPapersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List stored papers
//	@Description	List papers newest first, optionally filtered by task or status
//	@Tags			papers
//	@Produce		json
//	@Param			task_id	query		string	false	"Filter by task"
//	@Param			status	query		string	false	"Filter by status"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	ListPapersResponse
//	@Router			/api/papers [get]
func (e *ListPapersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	q := r.URL.Query()
	opts := store.ListOptions{
		TaskID: q.Get("task_id"),
		Status: q.Get("status"),
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}

	papers, err := st.List(r.Context(), opts)
	if err != nil {
		paperError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListPapersResponse{Papers: papers})
}

func (e *ListPapersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var taskID, status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored papers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			path := "/api/papers"
			params := url.Values{}
			if taskID != "" {
				params.Set("task_id", taskID)
			}
			if status != "" {
				params.Set("status", status)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
			}
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp ListPapersResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Filter by task ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|processing|completed|failed|cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

// SearchPapersEndpoint handles GET /api/papers/search.
type SearchPapersEndpoint struct{}

func (e *SearchPapersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/papers/search", e.handler
}

func (e *SearchPapersEndpoint) RequiresInit() bool { return true }

func (e *SearchPapersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	papers, err := st.Search(r.Context(), query, limit)
	if err != nil {
		paperError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListPapersResponse{Papers: papers})
}

func (e *SearchPapersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored papers by title, abstract or authors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			params := url.Values{"q": {args[0]}}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}

			var resp ListPapersResponse
			if err := client.Get(cmd.Context(), "/api/papers/search?"+params.Encode(), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	return cmd
}

// GetPaperEndpoint handles GET /api/papers/{id}.
type GetPaperEndpoint struct{}

func (e *GetPaperEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/papers/{id}", e.handler
}

func (e *GetPaperEndpoint) RequiresInit() bool { return true }

func (e *GetPaperEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	p, err := st.GetByPaperID(r.Context(), r.PathValue("id"))
	if err != nil {
		paperError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (e *GetPaperEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <paper-id>",
		Short: "Get one stored paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp store.Paper
			if err := client.Get(cmd.Context(), "/api/papers/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DeletePaperEndpoint handles DELETE /api/papers/{id}.
type DeletePaperEndpoint struct{}

func (e *DeletePaperEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/papers/{id}", e.handler
}

func (e *DeletePaperEndpoint) RequiresInit() bool { return true }

func (e *DeletePaperEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	id := r.PathValue("id")
	if err := st.Delete(r.Context(), id); err != nil {
		paperError(w, err)
		return
	}

	// Drop the artifact directory too; the row is already gone so a failure
	// here only leaks disk, it doesn't corrupt state.
	if h := svcctx.HomeFrom(r.Context()); h != nil {
		if err := os.RemoveAll(h.PaperDir(id)); err != nil {
			svcctx.LoggerFrom(r.Context()).Warn("failed to remove paper artifacts",
				"paper_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *DeletePaperEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <paper-id>",
		Short: "Delete a stored paper and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/papers/"+args[0])
		},
	}
}

// ReassignPapersEndpoint handles POST /api/papers/reassign.
type ReassignPapersEndpoint struct{}

func (e *ReassignPapersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/papers/reassign", e.handler
}

func (e *ReassignPapersEndpoint) RequiresInit() bool { return true }

func (e *ReassignPapersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ReassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.FromTaskID == "" || req.ToTaskID == "" {
		writeError(w, http.StatusBadRequest, "from_task_id and to_task_id are required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	moved, err := st.BulkReassignTask(r.Context(), req.FromTaskID, req.ToTaskID, req.ToTaskName)
	if err != nil {
		paperError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReassignResponse{Moved: moved})
}

func (e *ReassignPapersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var toName string
	cmd := &cobra.Command{
		Use:   "reassign <from-task-id> <to-task-id>",
		Short: "Move all papers from one task to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			req := ReassignRequest{FromTaskID: args[0], ToTaskID: args[1], ToTaskName: toName}
			var resp ReassignResponse
			if err := client.Post(cmd.Context(), "/api/papers/reassign", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&toName, "to-name", "", "Task name to stamp on moved papers")
	return cmd
}
