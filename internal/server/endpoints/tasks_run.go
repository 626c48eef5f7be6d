package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/svcctx"
)

// TriggerResponse acknowledges an out-of-schedule run start.
type TriggerResponse struct {
	TaskID  string `json:"task_id"`
	Started bool   `json:"started"`
}

// TriggerTaskEndpoint handles POST /api/tasks/{id}/trigger.
type TriggerTaskEndpoint struct{}

func (e *TriggerTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks/{id}/trigger", e.handler
}

func (e *TriggerTaskEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Trigger a task run
//	@Description	Start a gather run immediately; fails if one is in flight
//	@Tags			tasks
//	@Produce		json
//	@Success		202	{object}	TriggerResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/tasks/{id}/trigger [post]
func (e *TriggerTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}

	id := r.PathValue("id")
	// The run outlives this request, so it must not ride the request context.
	if err := sched.TriggerOnce(context.WithoutCancel(r.Context()), id); err != nil {
		taskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{TaskID: id, Started: true})
}

func (e *TriggerTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <task-id>",
		Short: "Start a gather run now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp TriggerResponse
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/trigger", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CancelTaskEndpoint handles POST /api/tasks/{id}/cancel.
type CancelTaskEndpoint struct{}

func (e *CancelTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks/{id}/cancel", e.handler
}

func (e *CancelTaskEndpoint) RequiresInit() bool { return true }

func (e *CancelTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}

	id := r.PathValue("id")
	if err := sched.Cancel(id); err != nil {
		taskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{TaskID: id, Started: false})
}

func (e *CancelTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task's in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp TriggerResponse
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// AnalyzePaperRequest names the paper to re-analyze. Overrides are config
// fields applied on top of the task's config for this run only, e.g. forcing
// deep analysis or picking a different model.
type AnalyzePaperRequest struct {
	PaperID   string         `json:"paper_id"`
	Overrides map[string]any `json:"config_overrides,omitempty"`
}

// AnalyzePaperEndpoint handles POST /api/tasks/{id}/analyze.
type AnalyzePaperEndpoint struct{}

func (e *AnalyzePaperEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks/{id}/analyze", e.handler
}

func (e *AnalyzePaperEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Re-analyze one paper
//	@Description	Re-run fetch, OCR, scoring and deep analysis for a stored paper
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	store.Paper
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/tasks/{id}/analyze [post]
func (e *AnalyzePaperEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req AnalyzePaperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaperID == "" {
		writeError(w, http.StatusBadRequest, "paper_id is required")
		return
	}

	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}

	p, err := sched.AnalyzeSingle(r.Context(), r.PathValue("id"), req.PaperID, req.Overrides)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		taskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (e *AnalyzePaperEndpoint) Command(getServerURL func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <task-id> <paper-id>",
		Short: "Re-analyze one stored paper with the task's config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := AnalyzePaperRequest{PaperID: args[1]}
			if path, _ := cmd.Flags().GetString("overrides"); path != "" {
				raw, err := readJSONFile(path)
				if err != nil {
					return err
				}
				req.Overrides = raw
			}

			client := api.NewClient(getServerURL())
			var resp store.Paper
			if err := client.Post(cmd.Context(), "/api/tasks/"+args[0]+"/analyze", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().String("overrides", "", "JSON file with config fields to override for this run")
	return cmd
}
