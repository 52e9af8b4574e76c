package ceremony

import (
	"context"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/louisbranch/abstractwallet/internal/credential"
	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/principal"
	"github.com/louisbranch/abstractwallet/internal/storage"
	"github.com/louisbranch/abstractwallet/internal/telemetry"
)

// ErrAssertionInvalid indicates the assertion signature failed verification
// against the stored public key, challenge, origin, or relying party id.
var ErrAssertionInvalid = apperrors.New(apperrors.CodeAssertionInvalid, "assertion verification failed")

// AuthenticationStart is the options payload for a possession-proof ceremony.
type AuthenticationStart struct {
	Token   string
	Options *protocol.CredentialAssertion
}

// BeginAuthentication issues a challenge and the allow-list of registered
// credentials for the principal.
//
// A principal with nothing enrolled gets ErrPrincipalNotFound rather than
// decoy options; this deployment favors an honest 404 over username-
// enumeration resistance.
func (s *Service) BeginAuthentication(ctx context.Context, name string) (AuthenticationStart, error) {
	if err := s.ready(); err != nil {
		return AuthenticationStart{}, err
	}

	base, err := s.registry.FindPrincipal(ctx, name)
	if err != nil {
		return AuthenticationStart{}, err
	}
	user, err := s.loadCeremonyUser(ctx, base)
	if err != nil {
		return AuthenticationStart{}, fmt.Errorf("load ceremony user: %w", err)
	}
	if len(user.credentials) == 0 {
		return AuthenticationStart{}, credential.ErrPrincipalNotFound
	}

	assertion, session, err := s.webAuthn.BeginLogin(user)
	if err != nil {
		return AuthenticationStart{}, fmt.Errorf("begin authentication: %w", err)
	}

	if err := s.recordChallenge(ctx, base.ID, session); err != nil {
		return AuthenticationStart{}, fmt.Errorf("record challenge: %w", err)
	}

	sessionID, err := s.sessionID()
	if err != nil {
		return AuthenticationStart{}, fmt.Errorf("create ceremony session id: %w", err)
	}
	if err := s.storeSession(ctx, sessionID, KindAuthentication, base.ID, session); err != nil {
		return AuthenticationStart{}, fmt.Errorf("store ceremony session: %w", err)
	}

	token, err := issueToken(s.tokenSecret, sessionID, base.ID, KindAuthentication, s.config.ChallengeTTL+tokenGrace, s.clock().UTC())
	if err != nil {
		return AuthenticationStart{}, err
	}

	return AuthenticationStart{Token: token, Options: assertion}, nil
}

// FinishAuthentication verifies an assertion and advances the device's
// signature counter.
//
// A counter regression fails the whole verification even though the signature
// checked out; that is the anti-clone defense and is non-negotiable here.
func (s *Service) FinishAuthentication(ctx context.Context, token string, responseJSON []byte) (Result, principal.Principal, error) {
	if err := s.ready(); err != nil {
		return Result{}, principal.Principal{}, err
	}
	if len(responseJSON) == 0 {
		return Result{}, principal.Principal{}, ErrTokenInvalid
	}

	claims, err := parseToken(s.tokenSecret, token, s.clock)
	if err != nil {
		return Result{}, principal.Principal{}, err
	}
	if claims.Kind != KindAuthentication {
		return Result{}, principal.Principal{}, ErrTokenInvalid
	}

	base, err := s.principalByID(ctx, claims.PrincipalID)
	if err != nil {
		return Result{}, principal.Principal{}, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return Result{}, principal.Principal{}, ErrTokenInvalid
	}

	// Device lookup comes first: an unknown credential is a routing error the
	// caller may see, unlike the verification internals below.
	rawCredentialID := []byte(parsed.RawID)
	if _, err := s.registry.FindDevice(ctx, base.ID, rawCredentialID); err != nil {
		return Result{}, principal.Principal{}, err
	}
	credentialID := credential.EncodeCredentialID(rawCredentialID)

	session, err := s.loadSession(ctx, claims.SessionID, KindAuthentication)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeCeremonySessionExpired {
			s.emitFailure(ctx, KindAuthentication, base.ID, credentialID, err)
			return Result{Verified: false}, base, nil
		}
		return Result{}, principal.Principal{}, err
	}
	defer func() {
		_ = s.sessions.DeleteCeremonySession(ctx, claims.SessionID)
	}()

	if err := s.consumePresentedChallenge(ctx, base.ID, parsed.Response.CollectedClientData.Challenge); err != nil {
		s.emitFailure(ctx, KindAuthentication, base.ID, credentialID, err)
		return Result{Verified: false}, base, nil
	}

	user, err := s.loadCeremonyUser(ctx, base)
	if err != nil {
		return Result{}, principal.Principal{}, fmt.Errorf("load ceremony user: %w", err)
	}

	validated, err := s.webAuthn.ValidateLogin(user, session.Data, parsed)
	if err != nil {
		s.emitFailure(ctx, KindAuthentication, base.ID, credentialID, ErrAssertionInvalid)
		return Result{Verified: false}, base, nil
	}

	// The library flags a non-advancing counter instead of failing; treat the
	// flag as a forged-clone signal and reject.
	if validated.Authenticator.CloneWarning {
		s.emitClone(ctx, base.ID, credentialID)
		return Result{Verified: false}, base, nil
	}

	if err := s.registry.UpdateCounter(ctx, base.ID, validated.ID, validated.Authenticator.SignCount); err != nil {
		if apperrors.GetCode(err) == apperrors.CodeCounterRegression {
			s.emitRegression(ctx, base.ID, credentialID)
			return Result{Verified: false}, base, nil
		}
		return Result{}, principal.Principal{}, err
	}

	return Result{Verified: true}, base, nil
}

func (s *Service) emitClone(ctx context.Context, principalID, credentialID string) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, storage.SecurityEvent{
		Kind:         telemetry.KindCloneWarning,
		PrincipalID:  principalID,
		CredentialID: credentialID,
		Detail:       "assertion counter did not advance past stored value",
	})
}

// emitRegression records the anti-clone rejection. Policy: the current
// authentication fails and the event is durable; the device stays enabled.
func (s *Service) emitRegression(ctx context.Context, principalID, credentialID string) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, storage.SecurityEvent{
		Kind:         telemetry.KindCounterRegression,
		PrincipalID:  principalID,
		CredentialID: credentialID,
		Detail:       "signature counter regressed on verified assertion",
	})
}
