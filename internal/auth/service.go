package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-authz/internal/domain"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/scope"
	"github.com/tendant/simple-authz/internal/store"
)

// Service provisions users and clients. The protocol core only reads what
// it creates.
type Service struct {
	users   store.UserRepository
	clients store.ClientRepository
	logger  *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new provisioning Service.
func NewService(users store.UserRepository, clients store.ClientRepository, opts ...ServiceOption) *Service {
	s := &Service{
		users:   users,
		clients: clients,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateUser creates a user with a hashed password.
func (s *Service) CreateUser(ctx context.Context, email, password string, emailVerified bool) (*domain.User, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, idperrors.InvalidRequest("email address is required")
	}
	if password == "" {
		return nil, idperrors.InvalidRequest("password is required")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:            uuid.NewString(),
		Email:         email,
		EmailVerified: emailVerified,
		PasswordHash:  hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user created", "user_id", user.ID, "email", user.Email)
	return user, nil
}

// CreateClient registers a client. The redirect URI must be absolute.
func (s *Service) CreateClient(ctx context.Context, id, name, redirectURI string, sc scope.Set) (*domain.Client, error) {
	if id == "" {
		return nil, idperrors.InvalidRequest("client id is required")
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		return nil, err
	}
	if name == "" {
		name = id
	}

	client := &domain.Client{
		ID:          id,
		Name:        name,
		Scope:       sc,
		RedirectURI: redirectURI,
	}
	if err := s.clients.Create(ctx, client); err != nil {
		return nil, err
	}

	s.logger.Info("client created", "client_id", client.ID, "scope", client.Scope.String())
	return client, nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return idperrors.InvalidRequest("redirect_uri must be an absolute URL")
	}
	if u.Fragment != "" {
		return idperrors.InvalidRequest("redirect_uri must not contain a fragment")
	}
	return nil
}

// UserSpec is a bootstrap user in the form "email:password".
type UserSpec struct {
	Email    string
	Password string
}

// ParseUserSpec parses "email:password". The password may contain colons.
func ParseUserSpec(raw string) (UserSpec, error) {
	email, password, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || email == "" || password == "" {
		return UserSpec{}, idperrors.InvalidRequest(fmt.Sprintf("invalid user spec %q, want email:password", raw))
	}
	return UserSpec{Email: email, Password: password}, nil
}

// ClientSpec is a bootstrap client in the form "id|name|redirect_uri|scope".
type ClientSpec struct {
	ID          string
	Name        string
	RedirectURI string
	Scope       scope.Set
}

// ParseClientSpec parses "id|name|redirect_uri|scope", scope being
// space-separated.
func ParseClientSpec(raw string) (ClientSpec, error) {
	parts := strings.Split(strings.TrimSpace(raw), "|")
	if len(parts) != 4 {
		return ClientSpec{}, idperrors.InvalidRequest(fmt.Sprintf("invalid client spec %q, want id|name|redirect_uri|scope", raw))
	}
	sc, err := scope.FromString(parts[3])
	if err != nil {
		return ClientSpec{}, err
	}
	return ClientSpec{ID: parts[0], Name: parts[1], RedirectURI: parts[2], Scope: sc}, nil
}

// Bootstrap creates the given users and clients, skipping any that already
// exist so it is safe to run on every start. It logs the registered client
// IDs, or a warning when there are none.
func (s *Service) Bootstrap(ctx context.Context, users []string, clients []string) error {
	for _, raw := range users {
		spec, err := ParseUserSpec(raw)
		if err != nil {
			return err
		}
		if _, err := s.CreateUser(ctx, spec.Email, spec.Password, true); err != nil {
			if idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
				s.logger.Debug("bootstrap user exists", "email", spec.Email)
				continue
			}
			return fmt.Errorf("bootstrap user %s: %w", spec.Email, err)
		}
	}

	for _, raw := range clients {
		spec, err := ParseClientSpec(raw)
		if err != nil {
			return err
		}
		if _, err := s.CreateClient(ctx, spec.ID, spec.Name, spec.RedirectURI, spec.Scope); err != nil {
			if idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
				s.logger.Debug("bootstrap client exists", "client_id", spec.ID)
				continue
			}
			return fmt.Errorf("bootstrap client %s: %w", spec.ID, err)
		}
	}

	registered, err := s.clients.List(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	if len(registered) == 0 {
		s.logger.Warn("no clients registered, every authorization request will be rejected")
		return nil
	}
	ids := make([]string, 0, len(registered))
	for _, c := range registered {
		ids = append(ids, c.ID)
	}
	slices.Sort(ids)
	s.logger.Info("clients registered", "count", len(ids), "client_ids", ids)

	return nil
}
