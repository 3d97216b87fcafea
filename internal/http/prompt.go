package http

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/oauth"
	"github.com/tendant/simple-authz/internal/scope"
)

// PromptPage handles GET /authorize/prompt - shows the sign-in form for a
// pending authorization request.
func (h *OAuthHandler) PromptPage(w http.ResponseWriter, r *http.Request) {
	req, client, err := h.orchestrator.GetRequest(r.Context(), r.URL.Query().Get("request_id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	if req.IsResolved() {
		h.renderError(w, idperrors.InvalidRequest("authorization request is already resolved"))
		return
	}

	h.renderPrompt(w, req, client, "", "", http.StatusOK)
}

// Prompt handles POST /authorize/prompt - checks the credentials and sends
// the browser back to the client with an authorization code.
func (h *OAuthHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, idperrors.InvalidRequest("invalid form data"))
		return
	}

	requestID := r.PostFormValue("request_id")
	if requestID == "" {
		h.renderError(w, idperrors.InvalidRequest("request_id is required"))
		return
	}
	if err := h.csrf.Validate(r, requestID); err != nil {
		h.logger.Warn("prompt CSRF check failed", "request_id", requestID, "error", err)
		h.renderError(w, idperrors.New(idperrors.CodeForbidden, "the form has expired, please start again"))
		return
	}

	email := r.PostFormValue("email")
	req, err := h.orchestrator.AuthorizePrompt(r.Context(), oauth.PromptParams{
		RequestID:  requestID,
		Email:      email,
		Password:   r.PostFormValue("password"),
		RememberMe: r.PostFormValue("remember_me") != "",
	})
	if err != nil {
		h.logger.Info("prompt failed", "request_id", requestID, "error", err)

		var status int
		switch idperrors.CodeOf(err) {
		case idperrors.CodeUserNotFound, idperrors.CodePasswordMismatch:
			status = http.StatusUnauthorized
		case idperrors.CodeAccountLocked:
			status = http.StatusTooManyRequests
		default:
			h.renderError(w, err)
			return
		}

		pending, client, gerr := h.orchestrator.GetRequest(r.Context(), requestID)
		if gerr != nil {
			h.renderError(w, gerr)
			return
		}
		msg := idperrors.OAuth(err).Description
		if status == http.StatusUnauthorized {
			if left := h.orchestrator.RemainingAttempts(email); left > 0 {
				msg = fmt.Sprintf("%s (%d attempts remaining)", msg, left)
			}
		}
		h.renderPrompt(w, pending, client, email, msg, status)
		return
	}

	h.csrf.Clear(w)
	target, err := oauth.AuthorizationResponseURL(req.RedirectURI, req.Code(), req.State)
	if err != nil {
		h.renderError(w, idperrors.Internal("invalid redirect uri", err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *OAuthHandler) renderPrompt(w http.ResponseWriter, req *domain.AuthorizationRequest, client *domain.Client, email, errMsg string, status int) {
	csrfToken, err := h.csrf.Issue(w, req.ID)
	if err != nil {
		h.logger.Error("failed to issue CSRF token", "error", err)
		h.renderError(w, idperrors.Internal("failed to issue CSRF token", err))
		return
	}

	data := promptPageData{
		RequestID:      req.ID,
		ClientName:     client.Name,
		Register:       req.Intent == domain.IntentRegister,
		ShowRememberMe: req.Scope.HasScope(scope.TokenRefresh),
		Email:          email,
		Error:          errMsg,
		CSRFToken:      csrfToken,
	}
	for d := range req.Scope.All() {
		if !d.Marker {
			data.Scopes = append(data.Scopes, d)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := h.templates.ExecuteTemplate(w, "prompt", data); err != nil {
		h.logger.Error("failed to render prompt page", "error", err)
	}
}

type promptPageData struct {
	RequestID      string
	ClientName     string
	Scopes         []scope.Descriptor
	Register       bool
	ShowRememberMe bool
	Email          string
	Error          string
	CSRFToken      string
}

type errorPageData struct {
	Error       string
	Description string
}

var templates = template.Must(template.New("layout").Parse(layoutTemplate + promptTemplate + errorTemplate))

const layoutTemplate = `{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.}}</title>
    <style>
        * { box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: #f5f5f5;
            margin: 0;
            padding: 20px;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .card {
            background: white;
            padding: 40px;
            border-radius: 8px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
            width: 100%;
            max-width: 400px;
        }
        h1 { margin: 0 0 20px 0; font-size: 24px; font-weight: 600; text-align: center; color: #333; }
        .scopes { margin: 0 0 24px 0; padding-left: 20px; color: #555; font-size: 14px; }
        .form-group { margin-bottom: 20px; }
        label { display: block; margin-bottom: 8px; font-weight: 500; color: #555; }
        input[type="email"], input[type="password"] {
            width: 100%;
            padding: 12px;
            border: 1px solid #ddd;
            border-radius: 4px;
            font-size: 16px;
        }
        .remember label { display: inline; font-weight: 400; }
        button {
            width: 100%;
            padding: 12px;
            background: #007bff;
            color: white;
            border: none;
            border-radius: 4px;
            font-size: 16px;
            font-weight: 500;
            cursor: pointer;
        }
        button:hover { background: #0056b3; }
        .error { background: #fee; color: #c00; padding: 12px; border-radius: 4px; margin-bottom: 20px; font-size: 14px; }
    </style>
</head>
<body>
{{end}}`

const promptTemplate = `{{define "prompt"}}{{template "head" "Sign in"}}
    <div class="card">
        <h1>{{if .Register}}Continue{{else}}Sign in{{end}} to {{.ClientName}}</h1>
        {{if .Scopes}}
        <p>{{.ClientName}} will be able to:</p>
        <ul class="scopes">
            {{range .Scopes}}<li>{{.Description}}</li>{{end}}
        </ul>
        {{end}}
        {{if .Error}}
        <div class="error">{{.Error}}</div>
        {{end}}
        <form method="POST" action="/authorize/prompt">
            <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
            <input type="hidden" name="request_id" value="{{.RequestID}}">
            <div class="form-group">
                <label for="email">Email</label>
                <input type="email" id="email" name="email" value="{{.Email}}" required autofocus>
            </div>
            <div class="form-group">
                <label for="password">Password</label>
                <input type="password" id="password" name="password" required>
            </div>
            {{if .ShowRememberMe}}
            <div class="form-group remember">
                <input type="checkbox" id="remember_me" name="remember_me" value="1">
                <label for="remember_me">Keep me signed in</label>
            </div>
            {{end}}
            <button type="submit">Authorize</button>
        </form>
    </div>
</body>
</html>{{end}}`

const errorTemplate = `{{define "error"}}{{template "head" "Authorization Error"}}
    <div class="card">
        <h1>Authorization Error</h1>
        <div class="error">{{.Description}}</div>
        <p><small>{{.Error}}</small></p>
    </div>
</body>
</html>{{end}}`
