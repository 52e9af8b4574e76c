package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/abstractwallet/internal/challenge"
	"github.com/louisbranch/abstractwallet/internal/credential"
	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/platform/id"
	"github.com/louisbranch/abstractwallet/internal/principal"
	"github.com/louisbranch/abstractwallet/internal/storage"
	"github.com/louisbranch/abstractwallet/internal/telemetry"
)

// Result is the boundary outcome of a verify call. Internal failure causes
// are recorded as security events, never returned to the caller.
type Result struct {
	Verified bool `json:"verified"`
}

// webAuthnProvider is the subset of go-webauthn the ceremonies depend on.
type webAuthnProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type responseParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultResponseParser struct{}

func (defaultResponseParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultResponseParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service orchestrates registration and authentication ceremonies.
//
// Transport handlers treat this as the canonical ceremony entrypoint; it owns
// challenge lifecycle, session state, and the verified/not-verified boundary.
type Service struct {
	webAuthn    webAuthnProvider
	webAuthnErr error
	parser      responseParser
	registry    *credential.Registry
	challenges  *challenge.Store
	sessions    storage.CeremonySessionStore
	emitter     *telemetry.Emitter
	config      Config
	tokenSecret []byte
	clock       func() time.Time
	sessionID   func() (string, error)
}

// NewService builds a ceremony service from configuration.
//
// Defaults are intentionally assembled here so transport handlers can treat
// this as the canonical ceremony domain entrypoint.
func NewService(cfg Config, registry *credential.Registry, challenges *challenge.Store, sessions storage.CeremonySessionStore, emitter *telemetry.Emitter) *Service {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})

	secret, secretErr := hex.DecodeString(cfg.TokenSecret)
	if secretErr != nil || len(secret) == 0 {
		secret = nil
	}

	return &Service{
		webAuthn:    webAuthn,
		webAuthnErr: err,
		parser:      defaultResponseParser{},
		registry:    registry,
		challenges:  challenges,
		sessions:    sessions,
		emitter:     emitter,
		config:      cfg,
		tokenSecret: secret,
		clock:       time.Now,
		sessionID:   id.NewID,
	}
}

// WithTokenSecret overrides the ceremony token signing key.
func (s *Service) WithTokenSecret(secret []byte) *Service {
	if len(secret) > 0 {
		s.tokenSecret = secret
	}
	return s
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Principal resolves an enrolled principal by name.
func (s *Service) Principal(ctx context.Context, name string) (principal.Principal, error) {
	if s == nil || s.registry == nil {
		return principal.Principal{}, fmt.Errorf("ceremony dependencies are not configured")
	}
	return s.registry.FindPrincipal(ctx, name)
}

// HasTokenSecret reports whether a signing key is configured.
func (s *Service) HasTokenSecret() bool {
	return len(s.tokenSecret) > 0
}

func (s *Service) ready() error {
	if s == nil {
		return fmt.Errorf("ceremony service is not configured")
	}
	if s.webAuthnErr != nil || s.webAuthn == nil {
		return fmt.Errorf("webauthn configuration is not available")
	}
	if s.registry == nil || s.challenges == nil || s.sessions == nil {
		return fmt.Errorf("ceremony dependencies are not configured")
	}
	if len(s.tokenSecret) == 0 {
		return fmt.Errorf("ceremony token secret is not configured")
	}
	return nil
}

// ceremonyUser adapts a principal and its devices to the webauthn user contract.
type ceremonyUser struct {
	principal   principal.Principal
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.principal.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.principal.Name
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.principal.Name
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadCeremonyUser(ctx context.Context, base principal.Principal) (*ceremonyUser, error) {
	credentials, err := s.registry.ListDevices(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{principal: base, credentials: credentials}, nil
}

// recordChallenge mirrors the session challenge into the challenge store so
// the single-use and one-live-per-principal invariants hold across ceremonies.
func (s *Service) recordChallenge(ctx context.Context, principalID string, session *webauthn.SessionData) error {
	value, err := base64.RawURLEncoding.DecodeString(session.Challenge)
	if err != nil {
		return fmt.Errorf("decode session challenge: %w", err)
	}
	if _, err := s.challenges.Record(ctx, principalID, value); err != nil {
		return err
	}
	return nil
}

func (s *Service) storeSession(ctx context.Context, sessionID string, kind Kind, principalID string, session *webauthn.SessionData) error {
	if session == nil {
		return fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.sessions.PutCeremonySession(ctx, storage.CeremonySession{
		ID:          sessionID,
		Kind:        string(kind),
		PrincipalID: principalID,
		SessionJSON: string(payload),
		ExpiresAt:   s.clock().UTC().Add(s.config.ChallengeTTL),
	})
}

type loadedSession struct {
	Data        webauthn.SessionData
	Kind        Kind
	PrincipalID string
}

// errSessionGone marks a missing or expired ceremony session. Verify handlers
// fold it into the generic unverified result so a replayed response is
// indistinguishable from any other failed verification.
var errSessionGone = apperrors.New(apperrors.CodeCeremonySessionExpired, "ceremony session is gone")

func (s *Service) loadSession(ctx context.Context, sessionID string, expectedKind Kind) (loadedSession, error) {
	stored, err := s.sessions.GetCeremonySession(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return loadedSession{}, errSessionGone
		}
		return loadedSession{}, fmt.Errorf("load ceremony session: %w", err)
	}
	if stored.Kind != string(expectedKind) {
		return loadedSession{}, ErrTokenInvalid
	}
	if stored.ExpiresAt.Before(s.clock().UTC()) {
		_ = s.sessions.DeleteCeremonySession(ctx, sessionID)
		return loadedSession{}, errSessionGone
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return loadedSession{}, fmt.Errorf("decode ceremony session: %w", err)
	}
	return loadedSession{Data: session, Kind: expectedKind, PrincipalID: stored.PrincipalID}, nil
}

// emitFailure records the internal cause of an unverified ceremony.
func (s *Service) emitFailure(ctx context.Context, kind Kind, principalID, credentialID string, cause error) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, storage.SecurityEvent{
		Kind:         telemetry.KindVerificationFailure,
		PrincipalID:  principalID,
		CredentialID: credentialID,
		Detail:       fmt.Sprintf("%s: %s", kind, apperrors.GetCode(cause)),
	})
}
