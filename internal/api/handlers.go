package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"media-intake/internal/attach"
	"media-intake/internal/config"
	"media-intake/internal/logging"
	"media-intake/internal/records"
)

// Version is the service version, overridable at build time.
var Version = "dev"

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	orchestrator *attach.Orchestrator
	store        *records.Store
	cfg          *config.Config
	startTime    time.Time
}

// New creates the handler set.
func New(orchestrator *attach.Orchestrator, store *records.Store, cfg *config.Config) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		store:        store,
		cfg:          cfg,
		startTime:    time.Now(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type uploadResponse struct {
	ID         int64  `json:"id"`
	Collection string `json:"collection"`
	FileName   string `json:"fileName"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Hash       string `json:"hash"`
}

// Upload accepts a multipart upload and runs it through the intake
// pipeline. Form fields: file (required), owner, collection, single_file.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	// The profile limit plus generous multipart overhead
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Profile.MaxBytes+1024*1024)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			logging.Debug("close upload part: %v", err)
		}
	}()

	owner := r.FormValue("owner")
	if owner == "" {
		owner = "anonymous"
	}
	collection := r.FormValue("collection")
	if collection == "" {
		collection = "default"
	}
	singleFile, _ := strconv.ParseBool(r.FormValue("single_file"))

	media, err := h.orchestrator.Attach(r.Context(), owner, collection, attach.Upload{
		Filename:     header.Filename,
		DeclaredMime: header.Header.Get("Content-Type"),
		Data:         file,
	}, attach.Options{SingleFile: singleFile})
	if err != nil {
		code := attach.Code(err)
		logging.Warn("Upload of %s rejected (%s): %v", header.Filename, code, err)
		writeError(w, attach.Status(err), code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		ID:         media.ID,
		Collection: media.Collection,
		FileName:   media.FileName,
		Mime:       media.Mime,
		Size:       media.Size,
		Width:      media.Width,
		Height:     media.Height,
		Hash:       media.Hash,
	})
}

// GetMedia returns one attachment record.
func (h *Handlers) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid media id")
		return
	}

	media, err := h.store.FindMedia(r.Context(), id)
	if err == records.ErrMediaNotFound {
		writeError(w, http.StatusNotFound, "not_found", "no such media record")
		return
	}
	if err != nil {
		logging.Error("Failed to load media %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		ID:         media.ID,
		Collection: media.Collection,
		FileName:   media.FileName,
		Mime:       media.Mime,
		Size:       media.Size,
		Width:      media.Width,
		Height:     media.Height,
		Hash:       media.Hash,
	})
}

// MarkConversionReady records that an external converter finished one named
// rendition. The post-processing job polls these flags.
func (h *Handlers) MarkConversionReady(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid media id")
		return
	}
	name := vars["name"]

	if _, err := h.store.FindMedia(r.Context(), id); err != nil {
		if err == records.ErrMediaNotFound {
			writeError(w, http.StatusNotFound, "not_found", "no such media record")
			return
		}
		logging.Error("Failed to load media %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return
	}

	if err := h.store.MarkConversionReady(r.Context(), id, name); err != nil {
		logging.Error("Failed to mark conversion %s ready for media %d: %v", name, id, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse contains the health check response
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	BytesSaved   int64  `json:"bytesSaved"`
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	saved, err := h.store.TotalSavings(r.Context())
	status := "healthy"
	httpStatus := http.StatusOK
	if err != nil {
		logging.Warn("Health check could not reach record store: %v", err)
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:       status,
		Version:      Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		BytesSaved:   saved,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	})
}

// LivenessCheck reports that the process is alive.
func (h *Handlers) LivenessCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
