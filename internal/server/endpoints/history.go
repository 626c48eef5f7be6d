package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/history"
	"github.com/jackzampolin/skim/internal/svcctx"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

// ListHistoryResponse is the response for listing run history.
type ListHistoryResponse struct {
	Entries []history.Entry `json:"entries"`
}

// HistoryConfigResponse carries an entry's upgraded task config.
type HistoryConfigResponse struct {
	Config taskcfg.TaskConfig `json:"config"`
}

// CleanupHistoryResponse reports how many shards were removed.
type CleanupHistoryResponse struct {
	RemovedShards int `json:"removed_shards"`
}

func historyError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ListHistoryEndpoint handles GET /api/history.
type ListHistoryEndpoint struct{}

func (e *ListHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/history", e.handler
}

func (e *ListHistoryEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List run history
//	@Description	List recorded gather runs, newest first
//	@Tags			history
//	@Produce		json
//	@Param			task_id	query		string	false	"Filter by task"
//	@Param			status	query		string	false	"Filter by status"
//	@Param			since	query		string	false	"RFC3339 lower bound"
//	@Param			until	query		string	false	"RFC3339 upper bound"
//	@Param			limit	query		int		false	"Max entries"
//	@Success		200		{object}	ListHistoryResponse
//	@Router			/api/history [get]
func (e *ListHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}

	q := r.URL.Query()
	opts := history.ListOptions{
		TaskID: q.Get("task_id"),
		Status: history.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name+" timestamp")
				return
			}
			*dst = t
		}
	}

	entries, err := hist.List(opts)
	if err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListHistoryResponse{Entries: entries})
}

func (e *ListHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	var taskID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded gather runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			path := "/api/history"
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
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp ListHistoryResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Filter by task ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (completed|failed|cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max entries")
	return cmd
}

// GetHistoryEndpoint handles GET /api/history/{id}.
type GetHistoryEndpoint struct{}

func (e *GetHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/history/{id}", e.handler
}

func (e *GetHistoryEndpoint) RequiresInit() bool { return true }

func (e *GetHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}

	entry, err := hist.Get(r.PathValue("id"))
	if err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *GetHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entry-id>",
		Short: "Get one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp history.Entry
			if err := client.Get(cmd.Context(), "/api/history/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetHistoryConfigEndpoint handles GET /api/history/{id}/config.
type GetHistoryConfigEndpoint struct{}

func (e *GetHistoryConfigEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/history/{id}/config", e.handler
}

func (e *GetHistoryConfigEndpoint) RequiresInit() bool { return true }

func (e *GetHistoryConfigEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}

	cfg, err := hist.GetConfig(r.PathValue("id"))
	if err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryConfigResponse{Config: cfg})
}

func (e *GetHistoryConfigEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "config <entry-id>",
		Short: "Get an entry's task config, upgraded to the current schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HistoryConfigResponse
			if err := client.Get(cmd.Context(), "/api/history/"+args[0]+"/config", &resp); err != nil {
				return err
			}
			return api.Output(resp.Config)
		},
	}
}

// UpdateHistoryConfigEndpoint handles PUT /api/history/{id}/config.
type UpdateHistoryConfigEndpoint struct{}

func (e *UpdateHistoryConfigEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/history/{id}/config", e.handler
}

func (e *UpdateHistoryConfigEndpoint) RequiresInit() bool { return true }

func (e *UpdateHistoryConfigEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg, err := taskcfg.Upgrade(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}
	if err := hist.UpdateConfig(r.PathValue("id"), cfg); err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryConfigResponse{Config: cfg})
}

func (e *UpdateHistoryConfigEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set-config <entry-id>",
		Short: "Replace an entry's stored task config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readJSONFile(file)
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var resp HistoryConfigResponse
			if err := client.Put(cmd.Context(), "/api/history/"+args[0]+"/config", data, &resp); err != nil {
				return err
			}
			return api.Output(resp.Config)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to task config JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// DeleteHistoryEndpoint handles DELETE /api/history/{id}.
type DeleteHistoryEndpoint struct{}

func (e *DeleteHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/history/{id}", e.handler
}

func (e *DeleteHistoryEndpoint) RequiresInit() bool { return true }

func (e *DeleteHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}
	if err := hist.Delete(r.PathValue("id")); err != nil {
		historyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *DeleteHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Delete one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/history/"+args[0])
		},
	}
}

// CleanupHistoryEndpoint handles POST /api/history/cleanup.
type CleanupHistoryEndpoint struct{}

func (e *CleanupHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/history/cleanup", e.handler
}

func (e *CleanupHistoryEndpoint) RequiresInit() bool { return true }

func (e *CleanupHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	months, err := strconv.Atoi(r.URL.Query().Get("keep_months"))
	if err != nil || months <= 0 {
		writeError(w, http.StatusBadRequest, "keep_months must be a positive integer")
		return
	}

	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}
	removed, err := hist.Cleanup(months)
	if err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupHistoryResponse{RemovedShards: removed})
}

func (e *CleanupHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	var months int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove history shards older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp CleanupHistoryResponse
			path := "/api/history/cleanup?keep_months=" + strconv.Itoa(months)
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&months, "keep-months", 6, "Months of history to keep")
	return cmd
}
