package localapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"drivepoint/internal/chargepoint"
	"drivepoint/internal/models"
	"drivepoint/internal/ocpp/protocol"
)

// Station is the charge point surface the operator API drives.
type Station interface {
	StartTransaction(ctx context.Context, connectorID int, idTag string) protocol.AuthorizationStatus
	StopTransaction(ctx context.Context, connectorID int, idTag string, reason protocol.Reason) bool
	Connectors() []models.ConnectorState
	Connector(id int) (models.ConnectorState, bool)
	Status() chargepoint.StationStatus
	CachedAuthorization(ctx context.Context, idTag string) *protocol.IdTagInfo
}

// API exposes station control to the local operator over HTTP.
type API struct {
	station      Station
	tokens       *TokenService
	hasher       *BcryptHasher
	operatorUser string
	passwordHash string
	logger       *zap.Logger
}

// NewAPI builds the operator API. operatorPasswordHash is a bcrypt hash,
// never a plain password.
func NewAPI(station Station, tokens *TokenService, operatorUser, operatorPasswordHash string, logger *zap.Logger) *API {
	return &API{
		station:      station,
		tokens:       tokens,
		hasher:       NewBcryptHasher(0),
		operatorUser: operatorUser,
		passwordHash: operatorPasswordHash,
		logger:       logger,
	}
}

// Routes wires all HTTP routes.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireToken)
			r.Get("/status", a.handleStatus)
			r.Get("/connectors", a.handleListConnectors)
			r.Get("/connectors/{connectorId}", a.handleGetConnector)
			r.Post("/connectors/{connectorId}/start", a.handleStartTransaction)
			r.Post("/connectors/{connectorId}/stop", a.handleStopTransaction)
			r.Get("/tags/{idTag}", a.handleGetCachedTag)
		})
	})

	return r
}

// requireToken rejects requests without a valid bearer token.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		if _, err := a.tokens.ValidateToken(strings.TrimSpace(parts[1])); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
