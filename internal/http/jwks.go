package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tendant/simple-authz/internal/crypto"
)

// JWKSSource provides the public signing keys.
type JWKSSource interface {
	GetJWKS(ctx context.Context) (*crypto.JWKS, error)
}

// JWKSHandler handles JWKS endpoints.
type JWKSHandler struct {
	keys   JWKSSource
	logger *slog.Logger
}

// NewJWKSHandler creates a new JWKSHandler.
func NewJWKSHandler(keys JWKSSource, logger *slog.Logger) *JWKSHandler {
	return &JWKSHandler{
		keys:   keys,
		logger: logger,
	}
}

// JWKS handles the /.well-known/jwks.json endpoint.
func (h *JWKSHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.keys.GetJWKS(r.Context())
	if err != nil {
		h.logger.Error("failed to get JWKS", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Short cache so clients pick up rotated keys.
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, jwks)
}
