package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/scope"
	"github.com/tendant/simple-authz/internal/store/memory"
)

func TestCreateUserNormalizesEmail(t *testing.T) {
	s := memory.NewStore()
	svc := NewService(s.Users(), s.Clients())
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "  Alice@Example.COM ", "pw", true)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q, want normalized", user.Email)
	}

	stored, err := s.Users().GetByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	ok, err := VerifyPassword("pw", stored.PasswordHash)
	if err != nil || !ok {
		t.Errorf("Stored hash should verify: %v, %v", ok, err)
	}

	if _, err := svc.CreateUser(ctx, "alice@example.com", "pw", true); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Expected already_exists, got %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	s := memory.NewStore()
	svc := NewService(s.Users(), s.Clients())

	if _, err := svc.CreateUser(context.Background(), "not-an-email", "pw", false); !idperrors.IsCode(err, idperrors.CodeInvalidRequest) {
		t.Errorf("Expected invalid_request for bad email, got %v", err)
	}
	if _, err := svc.CreateUser(context.Background(), "a@example.com", "", false); !idperrors.IsCode(err, idperrors.CodeInvalidRequest) {
		t.Errorf("Expected invalid_request for empty password, got %v", err)
	}
}

func TestCreateClientValidation(t *testing.T) {
	s := memory.NewStore()
	svc := NewService(s.Users(), s.Clients())
	sc := scope.MustFromString("task:api")

	tests := []struct {
		name     string
		id       string
		redirect string
		wantErr  bool
	}{
		{"valid", "c1", "https://client.example/cb", false},
		{"missing id", "", "https://client.example/cb", true},
		{"relative redirect", "c2", "/cb", true},
		{"fragment", "c3", "https://client.example/cb#x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateClient(context.Background(), tt.id, "", tt.redirect, sc)
			if (err != nil) != tt.wantErr {
				t.Errorf("CreateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseSpecs(t *testing.T) {
	u, err := ParseUserSpec("dev@example.com:pa:ss")
	if err != nil {
		t.Fatalf("ParseUserSpec failed: %v", err)
	}
	if u.Email != "dev@example.com" || u.Password != "pa:ss" {
		t.Errorf("ParseUserSpec = %+v", u)
	}
	if _, err := ParseUserSpec("no-password"); err == nil {
		t.Error("Expected error for spec without password")
	}

	c, err := ParseClientSpec("web|Web App|https://app.example/cb|task:api profile token:refresh")
	if err != nil {
		t.Fatalf("ParseClientSpec failed: %v", err)
	}
	if c.ID != "web" || c.Name != "Web App" || c.RedirectURI != "https://app.example/cb" {
		t.Errorf("ParseClientSpec = %+v", c)
	}
	if c.Scope.String() != "profile task:api token:refresh" {
		t.Errorf("Scope = %q", c.Scope.String())
	}

	if _, err := ParseClientSpec("web|Web|https://app.example/cb|bogus"); !idperrors.IsCode(err, idperrors.CodeInvalidScope) {
		t.Errorf("Expected invalid_scope, got %v", err)
	}
	if _, err := ParseClientSpec("web|https://app.example/cb"); err == nil {
		t.Error("Expected error for short client spec")
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	s := memory.NewStore()
	svc := NewService(s.Users(), s.Clients())
	ctx := context.Background()

	users := []string{"dev@example.com:password"}
	clients := []string{"web|Web|https://app.example/cb|task:api token:refresh"}

	for i := 0; i < 2; i++ {
		if err := svc.Bootstrap(ctx, users, clients); err != nil {
			t.Fatalf("Bootstrap run %d failed: %v", i+1, err)
		}
	}

	list, err := s.Clients().List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 client, got %d", len(list))
	}
	if _, err := s.Users().GetByEmail(ctx, "dev@example.com"); err != nil {
		t.Errorf("Bootstrap user missing: %v", err)
	}
}

func TestBootstrapLogsRegisteredClients(t *testing.T) {
	s := memory.NewStore()
	var buf bytes.Buffer
	svc := NewService(s.Users(), s.Clients(), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	ctx := context.Background()

	clients := []string{
		"web|Web|https://app.example/cb|task:api",
		"cli|CLI|http://localhost:9000/cb|task:api token:refresh",
	}
	if err := svc.Bootstrap(ctx, nil, clients); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec struct {
		Level     string   `json:"level"`
		Msg       string   `json:"msg"`
		Count     int      `json:"count"`
		ClientIDs []string `json:"client_ids"`
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("Expected a JSON log record: %v\n%s", err, buf.String())
	}
	if rec.Level != "INFO" || rec.Msg != "clients registered" {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.Count != 2 || strings.Join(rec.ClientIDs, ",") != "cli,web" {
		t.Errorf("client_ids = %v, count = %d", rec.ClientIDs, rec.Count)
	}
}

func TestBootstrapWarnsWithoutClients(t *testing.T) {
	s := memory.NewStore()
	var buf bytes.Buffer
	svc := NewService(s.Users(), s.Clients(), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	if err := svc.Bootstrap(context.Background(), nil, nil); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) || !strings.Contains(buf.String(), "no clients registered") {
		t.Errorf("Expected a warning about missing clients, got %s", buf.String())
	}
}
