package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
)

const (
	// CSRFCookieName is the name of the CSRF cookie.
	CSRFCookieName = "authz_csrf"
	// CSRFFormField is the form field carrying the token.
	CSRFFormField = "csrf_token"
	// CSRFHeader is accepted instead of the form field.
	CSRFHeader = "X-CSRF-Token"
	// CSRFTTL is how long a token stays valid.
	CSRFTTL = 1 * time.Hour

	csrfNonceLength = 32
)

var (
	ErrCSRFMissing  = errors.New("missing CSRF token")
	ErrCSRFMismatch = errors.New("CSRF token mismatch")
	ErrCSRFInvalid  = errors.New("invalid CSRF token")
	ErrCSRFExpired  = errors.New("CSRF token expired")
)

// CSRF issues double-submit tokens bound to one authorization request.
// A token is "<issued>:<requestID>:<nonce>.<hmac>".
type CSRF struct {
	secret       []byte
	cookieSecure bool
	clock        clock.Clock
}

// CSRFOption configures CSRF.
type CSRFOption func(*CSRF)

// WithCSRFClock sets the clock used for token timestamps.
func WithCSRFClock(clk clock.Clock) CSRFOption {
	return func(c *CSRF) {
		c.clock = clk
	}
}

// NewCSRF creates a CSRF service keyed by secret.
func NewCSRF(secret string, cookieSecure bool, opts ...CSRFOption) *CSRF {
	c := &CSRF{
		secret:       []byte(secret),
		cookieSecure: cookieSecure,
		clock:        clock.System{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue creates a token for requestID and sets it as a cookie.
func (c *CSRF) Issue(w http.ResponseWriter, requestID string) (string, error) {
	nonce := make([]byte, csrfNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	data := fmt.Sprintf("%d:%s:%s",
		c.clock.NowAsSecondsSinceEpoch(), requestID, base64.RawURLEncoding.EncodeToString(nonce))
	token := data + "." + c.sign(data)

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/authorize",
		MaxAge:   int(CSRFTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})

	return token, nil
}

// Validate checks the submitted token against the cookie and requestID.
func (c *CSRF) Validate(r *http.Request, requestID string) error {
	submitted := r.FormValue(CSRFFormField)
	if submitted == "" {
		submitted = r.Header.Get(CSRFHeader)
	}
	if submitted == "" {
		return ErrCSRFMissing
	}

	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return ErrCSRFMissing
	}
	if !hmac.Equal([]byte(submitted), []byte(cookie.Value)) {
		return ErrCSRFMismatch
	}

	return c.verify(submitted, requestID)
}

func (c *CSRF) verify(token, requestID string) error {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return ErrCSRFInvalid
	}
	data, signature := token[:i], token[i+1:]

	if !hmac.Equal([]byte(signature), []byte(c.sign(data))) {
		return ErrCSRFInvalid
	}

	fields := strings.SplitN(data, ":", 3)
	if len(fields) != 3 || fields[1] != requestID {
		return ErrCSRFInvalid
	}

	issued, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return ErrCSRFInvalid
	}
	if c.clock.NowAsSecondsSinceEpoch()-issued > int64(CSRFTTL/time.Second) {
		return ErrCSRFExpired
	}
	return nil
}

func (c *CSRF) sign(data string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Clear expires the CSRF cookie.
func (c *CSRF) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/authorize",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
