package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/scheduler"
	"github.com/jackzampolin/skim/internal/svcctx"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

// TaskResponse carries one task's config and schedule state.
type TaskResponse struct {
	Config taskcfg.TaskConfig   `json:"config"`
	Status scheduler.TaskStatus `json:"status"`
}

// ListTasksResponse is the response for listing tasks.
type ListTasksResponse struct {
	Tasks []scheduler.TaskStatus `json:"tasks"`
}

// readJSONFile reads a JSON file into a raw map for the config-carrying CLI
// commands.
func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// taskError maps scheduler and config errors to HTTP statuses.
func taskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrTaskExists),
		errors.Is(err, scheduler.ErrTaskRunning),
		errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, taskcfg.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// CreateTaskEndpoint handles POST /api/tasks.
type CreateTaskEndpoint struct{}

func (e *CreateTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/tasks", e.handler
}

func (e *CreateTaskEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Register a gather task
//	@Description	Register a task config; old-schema configs are upgraded
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Success		201	{object}	TaskResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/tasks [post]
func (e *CreateTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}

	cfg, err = sched.Add(cfg)
	if err != nil {
		taskError(w, err)
		return
	}

	status, err := sched.Status(cfg.TaskID)
	if err != nil {
		taskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TaskResponse{Config: cfg, Status: status})
}

func (e *CreateTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a gather task from a JSON config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONFile(file)
			if err != nil {
				return err
			}

			client := api.NewClient(getServerURL())
			var resp TaskResponse
			if err := client.Post(cmd.Context(), "/api/tasks", raw, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to task config JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// ListTasksEndpoint handles GET /api/tasks.
type ListTasksEndpoint struct{}

func (e *ListTasksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/tasks", e.handler
}

func (e *ListTasksEndpoint) RequiresInit() bool { return true }

func (e *ListTasksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: sched.List()})
}

func (e *ListTasksEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListTasksResponse
			if err := client.Get(cmd.Context(), "/api/tasks", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetTaskEndpoint handles GET /api/tasks/{id}.
type GetTaskEndpoint struct{}

func (e *GetTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/tasks/{id}", e.handler
}

func (e *GetTaskEndpoint) RequiresInit() bool { return true }

func (e *GetTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}

	id := r.PathValue("id")
	cfg, err := sched.Config(id)
	if err != nil {
		taskError(w, err)
		return
	}
	status, err := sched.Status(id)
	if err != nil {
		taskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Config: cfg, Status: status})
}

func (e *GetTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Get a task's config and schedule state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp TaskResponse
			if err := client.Get(cmd.Context(), "/api/tasks/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// UpdateTaskEndpoint handles PUT /api/tasks/{id}.
type UpdateTaskEndpoint struct{}

func (e *UpdateTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/tasks/{id}", e.handler
}

func (e *UpdateTaskEndpoint) RequiresInit() bool { return true }

func (e *UpdateTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	raw["task_id"] = r.PathValue("id")

	cfg, err := taskcfg.Upgrade(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}
	if err := sched.Update(cfg); err != nil {
		taskError(w, err)
		return
	}

	status, err := sched.Status(cfg.TaskID)
	if err != nil {
		taskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Config: cfg, Status: status})
}

func (e *UpdateTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Replace a task's config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONFile(file)
			if err != nil {
				return err
			}

			client := api.NewClient(getServerURL())
			var resp TaskResponse
			if err := client.Put(cmd.Context(), "/api/tasks/"+args[0], raw, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to task config JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// DeleteTaskEndpoint handles DELETE /api/tasks/{id}.
type DeleteTaskEndpoint struct{}

func (e *DeleteTaskEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/tasks/{id}", e.handler
}

func (e *DeleteTaskEndpoint) RequiresInit() bool { return true }

func (e *DeleteTaskEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sched := svcctx.SchedulerFrom(r.Context())
	if sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not initialized")
		return
	}
	if err := sched.Remove(r.PathValue("id")); err != nil {
		taskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *DeleteTaskEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Unregister a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/tasks/"+args[0])
		},
	}
}
