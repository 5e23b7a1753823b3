package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/technosupport/ppe-sentinel/internal/detect"
	"github.com/technosupport/ppe-sentinel/internal/tokens"
)

// SettingsHandler exposes the detector runtime settings. Changes apply to
// subsequent detector calls only; in-flight frames keep the old values.
type SettingsHandler struct {
	Tokens   *tokens.Manager
	Settings *detect.SettingsStore
}

func NewSettingsHandler(tm *tokens.Manager, settings *detect.SettingsStore) *SettingsHandler {
	return &SettingsHandler{Tokens: tm, Settings: settings}
}

func (h *SettingsHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	tokenStr := strings.TrimPrefix(header, "Bearer ")
	if tokenStr == "" || tokenStr == header {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	if claims.Role != tokens.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.Settings.Current())
}

func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	// Start from current so partial updates keep the other fields.
	next := h.Settings.Current()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings payload")
		return
	}

	if err := h.Settings.Update(r.Context(), next); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	log.Printf("[Settings] detector settings updated: input=%d conf=%.2f device=%s",
		next.InputSize, next.ConfidenceThreshold, next.Device)
	writeJSON(w, http.StatusOK, next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
