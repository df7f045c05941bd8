package localapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	type request struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	type response struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.User = strings.TrimSpace(req.User)
	req.Password = strings.TrimSpace(req.Password)
	if req.User == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user and password are required")
		return
	}

	if req.User != a.operatorUser || a.hasher.Compare(a.passwordHash, req.Password) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.tokens.GenerateToken(req.User)
	if err != nil {
		a.logger.Error("issue token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, response{
		Token:     token,
		TokenType: "Bearer",
	})
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.station.Status())
}

func (a *API) handleListConnectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.station.Connectors())
}

func (a *API) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	connectorID, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}
	snap, ok := a.station.Connector(connectorID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown connector")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleStartTransaction(w http.ResponseWriter, r *http.Request) {
	type request struct {
		IdTag string `json:"idTag"`
	}

	connectorID, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.IdTag = strings.TrimSpace(req.IdTag)
	if req.IdTag == "" {
		writeError(w, http.StatusBadRequest, "idTag is required")
		return
	}

	snap, ok := a.station.Connector(connectorID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown connector")
		return
	}
	if snap.HasTransaction() {
		writeError(w, http.StatusConflict, "transaction already running")
		return
	}

	status := a.station.StartTransaction(r.Context(), connectorID, req.IdTag)
	if status != protocol.AuthorizationAccepted {
		writeJSON(w, http.StatusForbidden, map[string]string{"status": string(status)})
		return
	}

	snap, _ = a.station.Connector(connectorID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    string(status),
		"connector": snap,
	})
}

func (a *API) handleStopTransaction(w http.ResponseWriter, r *http.Request) {
	type request struct {
		IdTag string `json:"idTag"`
	}

	connectorID, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connector id")
		return
	}

	// Body is optional: a stop without idTag is a plain operator stop.
	var req request
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !a.station.StopTransaction(r.Context(), connectorID, strings.TrimSpace(req.IdTag), protocol.ReasonLocal) {
		writeError(w, http.StatusNotFound, "no running transaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (a *API) handleGetCachedTag(w http.ResponseWriter, r *http.Request) {
	idTag := chi.URLParam(r, "idTag")
	info := a.station.CachedAuthorization(r.Context(), idTag)
	if info == nil {
		writeError(w, http.StatusNotFound, "tag not cached")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
