package http

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tendant/simple-authz/internal/auth"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/oauth"
	"github.com/tendant/simple-authz/internal/token"
)

// OAuthHandler handles the authorization, prompt, token and userinfo endpoints.
type OAuthHandler struct {
	orchestrator *oauth.Orchestrator
	csrf         *auth.CSRF
	logger       *slog.Logger
	templates    *template.Template
}

// NewOAuthHandler creates a new OAuthHandler.
func NewOAuthHandler(orchestrator *oauth.Orchestrator, csrf *auth.CSRF, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		orchestrator: orchestrator,
		csrf:         csrf,
		logger:       logger,
		templates:    templates,
	}
}

// Authorize handles GET /authorize - the OAuth 2.0 authorization endpoint.
// A valid request is stored and the browser is sent to the prompt page.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req, err := h.orchestrator.Request(r.Context(), oauth.RequestParams{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Intent:              q.Get("intent"),
	})
	if err != nil {
		h.logger.Info("authorization request rejected", "client_id", q.Get("client_id"), "error", err)

		// Only redirect once the redirect_uri is known to belong to the client.
		var rerr *oauth.RedirectableError
		if errors.As(err, &rerr) {
			oe := idperrors.OAuth(err)
			if target, uerr := oauth.ErrorResponseURL(rerr.RedirectURI, oe.Error, oe.Description, rerr.State); uerr == nil {
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
		}
		h.renderError(w, err)
		return
	}

	http.Redirect(w, r, "/authorize/prompt?request_id="+url.QueryEscape(req.ID), http.StatusFound)
}

// Token handles POST /token - the OAuth 2.0 token endpoint.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, "invalid_request", "malformed form body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	grantType := r.PostFormValue("grant_type")
	clientID := r.PostFormValue("client_id")

	var (
		issued *token.Issued
		err    error
	)
	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		code, verifier := r.PostFormValue("code"), r.PostFormValue("code_verifier")
		if code == "" || verifier == "" || clientID == "" {
			writeJSONError(w, "invalid_request", "code, code_verifier and client_id are required", http.StatusBadRequest)
			return
		}
		issued, err = h.orchestrator.AuthorizationCodeGrant(ctx, oauth.CodeGrantParams{
			ClientID:     clientID,
			Code:         code,
			CodeVerifier: verifier,
			RedirectURI:  r.PostFormValue("redirect_uri"),
		})
	case oauth.GrantTypeRefreshToken:
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			writeJSONError(w, "invalid_request", "refresh_token is required", http.StatusBadRequest)
			return
		}
		issued, err = h.orchestrator.RefreshTokenGrant(ctx, oauth.RefreshParams{
			RefreshToken: refreshToken,
			ClientID:     clientID,
		})
	case "":
		writeJSONError(w, "invalid_request", "grant_type is required", http.StatusBadRequest)
		return
	default:
		writeJSONError(w, "unsupported_grant_type", "grant_type not supported", http.StatusBadRequest)
		return
	}

	if err != nil {
		oe := idperrors.OAuth(err)
		if oe.Status >= http.StatusInternalServerError {
			h.logger.Error("token request failed", "grant_type", grantType, "client_id", clientID, "error", err)
		} else {
			h.logger.Info("token request failed", "grant_type", grantType, "client_id", clientID, "error", err)
		}
		writeJSONError(w, oe.Error, oe.Description, oe.Status)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, oauth.NewTokenResponse(issued))
}

// UserInfo handles GET/POST /userinfo.
func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	raw, err := oauth.ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer`)
		writeJSONError(w, "invalid_token", "missing bearer token", http.StatusUnauthorized)
		return
	}

	info, err := h.orchestrator.UserInfo(r.Context(), raw)
	if err != nil {
		oe := idperrors.OAuth(err)
		if oe.Status >= http.StatusInternalServerError {
			h.logger.Error("userinfo request failed", "error", err)
			writeJSONError(w, oe.Error, oe.Description, oe.Status)
			return
		}
		h.logger.Info("userinfo request failed", "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, "invalid_token", oe.Description, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}

func (h *OAuthHandler) renderError(w http.ResponseWriter, err error) {
	oe := idperrors.OAuth(err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(oe.Status)
	if terr := h.templates.ExecuteTemplate(w, "error", errorPageData{
		Error:       oe.Error,
		Description: oe.Description,
	}); terr != nil {
		h.logger.Error("failed to render error page", "error", terr)
	}
}

func writeJSONError(w http.ResponseWriter, errorCode, errorDesc string, status int) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, map[string]string{
		"error":             errorCode,
		"error_description": errorDesc,
	})
}
