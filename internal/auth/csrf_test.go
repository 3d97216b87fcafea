package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
)

const testCSRFSecret = "test-secret-key-32-bytes-long!!"

// postWithToken builds a prompt submission carrying token in the form and
// every cookie set on w.
func postWithToken(w *httptest.ResponseRecorder, token string) *http.Request {
	form := url.Values{CSRFFormField: {token}}
	req := httptest.NewRequest(http.MethodPost, "/authorize/prompt", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestCSRFIssue(t *testing.T) {
	c := NewCSRF(testCSRFSecret, true)

	w := httptest.NewRecorder()
	token, err := c.Issue(w, "req-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token == "" {
		t.Fatal("Token should not be empty")
	}

	var found *http.Cookie
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == CSRFCookieName {
			found = cookie
		}
	}
	if found == nil {
		t.Fatal("CSRF cookie should be set")
	}
	if found.Value != token {
		t.Error("Cookie value should match returned token")
	}
	if !found.HttpOnly || !found.Secure {
		t.Error("Cookie should be HttpOnly and Secure")
	}
}

func TestCSRFValidate(t *testing.T) {
	c := NewCSRF(testCSRFSecret, false)

	w := httptest.NewRecorder()
	token, _ := c.Issue(w, "req-1")

	if err := c.Validate(postWithToken(w, token), "req-1"); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestCSRFValidateHeader(t *testing.T) {
	c := NewCSRF(testCSRFSecret, false)

	w := httptest.NewRecorder()
	token, _ := c.Issue(w, "req-1")

	req := httptest.NewRequest(http.MethodPost, "/authorize/prompt", nil)
	req.Header.Set(CSRFHeader, token)
	for _, cookie := range w.Result().Cookies() {
		req.AddCookie(cookie)
	}

	if err := c.Validate(req, "req-1"); err != nil {
		t.Errorf("Validate with header failed: %v", err)
	}
}

func TestCSRFValidateFailures(t *testing.T) {
	clk := clock.NewManual(1_700_000_000)
	c := NewCSRF(testCSRFSecret, false, WithCSRFClock(clk))
	other := NewCSRF("another-secret-another-secret!!", false, WithCSRFClock(clk))

	tests := []struct {
		name      string
		build     func() *http.Request
		requestID string
		want      error
	}{
		{
			name: "missing token",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/authorize/prompt", nil)
			},
			requestID: "req-1",
			want:      ErrCSRFMissing,
		},
		{
			name: "mismatch",
			build: func() *http.Request {
				w := httptest.NewRecorder()
				c.Issue(w, "req-1")
				return postWithToken(w, "wrong-token")
			},
			requestID: "req-1",
			want:      ErrCSRFMismatch,
		},
		{
			name: "other request",
			build: func() *http.Request {
				w := httptest.NewRecorder()
				token, _ := c.Issue(w, "req-1")
				return postWithToken(w, token)
			},
			requestID: "req-2",
			want:      ErrCSRFInvalid,
		},
		{
			name: "foreign signature",
			build: func() *http.Request {
				w := httptest.NewRecorder()
				token, _ := other.Issue(w, "req-1")
				return postWithToken(w, token)
			},
			requestID: "req-1",
			want:      ErrCSRFInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.build(), tt.requestID)
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCSRFExpired(t *testing.T) {
	clk := clock.NewManual(1_700_000_000)
	c := NewCSRF(testCSRFSecret, false, WithCSRFClock(clk))

	w := httptest.NewRecorder()
	token, _ := c.Issue(w, "req-1")

	clk.Advance(CSRFTTL + time.Second)

	if err := c.Validate(postWithToken(w, token), "req-1"); !errors.Is(err, ErrCSRFExpired) {
		t.Errorf("Expected ErrCSRFExpired, got %v", err)
	}
}

func TestCSRFClear(t *testing.T) {
	c := NewCSRF(testCSRFSecret, false)

	w := httptest.NewRecorder()
	c.Clear(w)

	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == CSRFCookieName {
			if cookie.MaxAge != -1 {
				t.Errorf("CSRF cookie should have MaxAge=-1 when cleared, got %d", cookie.MaxAge)
			}
			if cookie.Value != "" {
				t.Error("CSRF cookie value should be empty when cleared")
			}
		}
	}
}

func TestCSRFTokenUniqueness(t *testing.T) {
	c := NewCSRF(testCSRFSecret, false)

	token1, _ := c.Issue(httptest.NewRecorder(), "req-1")
	token2, _ := c.Issue(httptest.NewRecorder(), "req-1")

	if token1 == token2 {
		t.Error("Tokens should be unique")
	}
}
