// Package oauth implements the authorization-code-with-PKCE protocol:
// authorization requests, the user prompt, the code grant and the refresh
// grant.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/store"
	"github.com/tendant/simple-authz/internal/token"
)

// TracerName names the tracer of protocol operation spans.
const TracerName = "github.com/tendant/simple-authz/oauth"

// PasswordHasher verifies a plaintext password against a stored hash.
type PasswordHasher interface {
	Verify(password, hash string) (bool, error)
}

// Lockout limits repeated prompt failures per email.
type Lockout interface {
	IsLocked(email string) bool
	RecordFailure(email string) bool
	RecordSuccess(email string)
	RemainingAttempts(email string) int
	LockRemaining(email string) time.Duration
}

// CodeGenerator returns a fresh opaque authorization code.
type CodeGenerator func() (string, error)

// Config holds the orchestrator's settings.
type Config struct {
	AuthCodeTTL time.Duration
}

// Deps are the collaborators the orchestrator is built from.
type Deps struct {
	Clients  store.ClientRepository
	Users    store.UserRepository
	Requests store.RequestRepository
	Issuer   *token.Issuer
	Codec    token.Codec
	Hasher   PasswordHasher
	Clock    clock.Clock
}

// Orchestrator runs the protocol operations. It holds no locks of its own;
// atomicity lives in the repositories.
type Orchestrator struct {
	clients  store.ClientRepository
	users    store.UserRepository
	requests store.RequestRepository
	issuer   *token.Issuer
	codec    token.Codec
	hasher   PasswordHasher
	clock    clock.Clock
	config   Config

	lockout Lockout
	newCode CodeGenerator
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithLockout enables account lockout on the prompt.
func WithLockout(l Lockout) Option {
	return func(o *Orchestrator) {
		o.lockout = l
	}
}

// WithCodeGenerator replaces the authorization code generator.
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(o *Orchestrator) {
		o.newCode = gen
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clients:  deps.Clients,
		users:    deps.Users,
		requests: deps.Requests,
		issuer:   deps.Issuer,
		codec:    deps.Codec,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		config:   cfg,
		newCode:  RandomCode,
		logger:   slog.Default(),
		tracer:   otel.Tracer(TracerName),
	}
	if o.clock == nil {
		o.clock = clock.System{}
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// RandomCode returns 32 random bytes encoded as unpadded base64url.
func RandomCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "oauth."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
