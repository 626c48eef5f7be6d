package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/svcctx"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

// ListPresetsResponse lists saved task-config presets by name.
type ListPresetsResponse struct {
	Presets []string `json:"presets"`
}

// PresetResponse carries one preset's config.
type PresetResponse struct {
	Name   string             `json:"name"`
	Config taskcfg.TaskConfig `json:"config"`
}

// ListPresetsEndpoint handles GET /api/presets.
type ListPresetsEndpoint struct{}

func (e *ListPresetsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/presets", e.handler
}

func (e *ListPresetsEndpoint) RequiresInit() bool { return true }

func (e *ListPresetsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}

	names, err := hist.ListPresets()
	if err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListPresetsResponse{Presets: names})
}

func (e *ListPresetsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved task-config presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListPresetsResponse
			if err := client.Get(cmd.Context(), "/api/presets", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetPresetEndpoint handles GET /api/presets/{name}.
type GetPresetEndpoint struct{}

func (e *GetPresetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/presets/{name}", e.handler
}

func (e *GetPresetEndpoint) RequiresInit() bool { return true }

func (e *GetPresetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}

	name := r.PathValue("name")
	cfg, err := hist.LoadPreset(name)
	if err != nil {
		historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PresetResponse{Name: name, Config: cfg})
}

func (e *GetPresetEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Get a preset's config, upgraded to the current schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PresetResponse
			if err := client.Get(cmd.Context(), "/api/presets/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// SavePresetEndpoint handles PUT /api/presets/{name}.
type SavePresetEndpoint struct{}

func (e *SavePresetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/presets/{name}", e.handler
}

func (e *SavePresetEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Save a preset
//	@Description	Save a task config under a reusable name; old-schema configs are upgraded
//	@Tags			presets
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	PresetResponse
//	@Failure		400	{object}	ErrorResponse
//	@Router			/api/presets/{name} [put]
func (e *SavePresetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	name := r.PathValue("name")
	if err := hist.SavePreset(name, cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PresetResponse{Name: name, Config: cfg})
}

func (e *SavePresetEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Save a task config as a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONFile(file)
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var resp PresetResponse
			if err := client.Put(cmd.Context(), "/api/presets/"+args[0], raw, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to task config JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// DeletePresetEndpoint handles DELETE /api/presets/{name}.
type DeletePresetEndpoint struct{}

func (e *DeletePresetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/presets/{name}", e.handler
}

func (e *DeletePresetEndpoint) RequiresInit() bool { return true }

func (e *DeletePresetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hist := svcctx.HistoryFrom(r.Context())
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}
	if err := hist.DeletePreset(r.PathValue("name")); err != nil {
		historyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *DeletePresetEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/presets/"+args[0])
		},
	}
}
