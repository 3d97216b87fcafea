package http

import (
	"net/http"
	"strings"

	"github.com/tendant/simple-authz/internal/crypto"
	"github.com/tendant/simple-authz/internal/oauth"
	"github.com/tendant/simple-authz/internal/scope"
)

// Metadata is the authorization server metadata document, served both as
// OpenID discovery and as RFC 8414 metadata.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// DiscoveryHandler serves the metadata document.
type DiscoveryHandler struct {
	metadata Metadata
}

// NewDiscoveryHandler creates a new DiscoveryHandler.
func NewDiscoveryHandler(issuerURL string) *DiscoveryHandler {
	base := strings.TrimSuffix(issuerURL, "/")

	var scopes []string
	for _, d := range scope.Known() {
		if !d.Marker {
			scopes = append(scopes, d.Name)
		}
	}
	// token:refresh is requested by clients; the other markers are internal.
	scopes = append(scopes, scope.TokenRefresh)

	return &DiscoveryHandler{metadata: Metadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		UserinfoEndpoint:                  base + "/userinfo",
		JwksURI:                           base + "/.well-known/jwks.json",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{crypto.Algorithm},
		TokenEndpointAuthMethodsSupported: []string{"none"}, // public clients with PKCE
		ClaimsSupported:                   []string{"iss", "sub", "aud", "exp", "iat", "jti", "email", "email_verified"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
	}}
}

// Metadata handles the /.well-known/openid-configuration and
// /.well-known/oauth-authorization-server endpoints.
func (h *DiscoveryHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.metadata)
}
