package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/internal/registry"
	"github.com/shehryarbajwa/cookie-sandbox/internal/sandbox"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// maxBodyBytes bounds create requests; identity lists are the largest field
const maxBodyBytes = 1 << 20

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sandboxes *sandbox.Manager
	cookies   *harvest.Store
	log       logrus.FieldLogger
}

// NewHandler creates a new HTTP handler
func NewHandler(sandboxes *sandbox.Manager, cookies *harvest.Store, log logrus.FieldLogger) *Handler {
	return &Handler{
		sandboxes: sandboxes,
		cookies:   cookies,
		log:       log,
	}
}

// CreateSandboxes handles POST /v1/sandboxes
func (h *Handler) CreateSandboxes(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSandboxesRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %v: %w", err, sandbox.ErrInvalidRequest))
		return
	}

	created, err := h.sandboxes.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.CreateSandboxesResponse{Sandboxes: created})
}

// ListSandboxes handles GET /v1/sandboxes, optionally filtered by ?status=
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	status := models.SandboxStatus(r.URL.Query().Get("status"))

	out := make([]models.Sandbox, 0)
	for _, sb := range h.sandboxes.List() {
		if status != "" && sb.Status != status {
			continue
		}
		out = append(out, sb)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sandboxes": out})
}

// GetSandbox handles GET /v1/sandboxes/{id}
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := sandboxID(w, r)
	if !ok {
		return
	}

	sb, err := h.sandboxes.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

// DeleteSandbox handles DELETE /v1/sandboxes/{id}
func (h *Handler) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := sandboxID(w, r)
	if !ok {
		return
	}

	if err := h.sandboxes.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HarvestSandbox handles POST /v1/sandboxes/{id}/harvest
func (h *Handler) HarvestSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := sandboxID(w, r)
	if !ok {
		return
	}

	sb, err := h.sandboxes.Harvest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

// GetSandboxCookies handles GET /v1/sandboxes/{id}/cookies
func (h *Handler) GetSandboxCookies(w http.ResponseWriter, r *http.Request) {
	id, ok := sandboxID(w, r)
	if !ok {
		return
	}

	sb, err := h.sandboxes.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sb.CookieFile == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "sandbox has no cookie file yet"})
		return
	}
	h.serveCookieFile(w, sb.CookieFile)
}

// ListCookieFiles handles GET /v1/cookies
func (h *Handler) ListCookieFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.cookies.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// GetCookieFile handles GET /v1/cookies/{name}
func (h *Handler) GetCookieFile(w http.ResponseWriter, r *http.Request) {
	h.serveCookieFile(w, mux.Vars(r)["name"])
}

func (h *Handler) serveCookieFile(w http.ResponseWriter, name string) {
	f, err := h.cookies.Open(name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, f); err != nil {
		h.log.WithError(err).WithField("file", name).Warn("Failed to send cookie file")
	}
}

// sandboxID parses the {id} route variable, answering 400 when invalid
func sandboxID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("invalid sandbox id %q: %w", raw, sandbox.ErrInvalidRequest))
		return 0, false
	}
	return id, true
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest), errors.Is(err, harvest.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, browser.ErrConfiguration), errors.Is(err, sandbox.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, browser.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
