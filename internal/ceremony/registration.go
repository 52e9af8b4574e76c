package ceremony

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/principal"
)

// ErrAttestationInvalid indicates the attestation object failed verification
// against the challenge, origin, or relying party id.
var ErrAttestationInvalid = apperrors.New(apperrors.CodeAttestationInvalid, "attestation verification failed")

// RegistrationStart is the options payload for an enrollment ceremony.
type RegistrationStart struct {
	Token   string
	Options *protocol.CredentialCreation
}

// BeginRegistration finds or creates the principal, issues a challenge, and
// returns creation options with already-registered credentials excluded.
//
// The returned token binds (session, principal, kind) for the paired verify
// call. It is a statelessness optimization, not a trust boundary.
func (s *Service) BeginRegistration(ctx context.Context, name string) (RegistrationStart, error) {
	if err := s.ready(); err != nil {
		return RegistrationStart{}, err
	}

	base, err := s.registry.FindOrCreatePrincipal(ctx, name)
	if err != nil {
		return RegistrationStart{}, err
	}
	user, err := s.loadCeremonyUser(ctx, base)
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("load ceremony user: %w", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementDiscouraged,
			UserVerification: protocol.VerificationPreferred,
		}),
		webauthn.WithCredentialParameters([]protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		}),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.webAuthn.BeginRegistration(user, options...)
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("begin registration: %w", err)
	}

	if err := s.recordChallenge(ctx, base.ID, session); err != nil {
		return RegistrationStart{}, fmt.Errorf("record challenge: %w", err)
	}

	sessionID, err := s.sessionID()
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("create ceremony session id: %w", err)
	}
	if err := s.storeSession(ctx, sessionID, KindRegistration, base.ID, session); err != nil {
		return RegistrationStart{}, fmt.Errorf("store ceremony session: %w", err)
	}

	token, err := issueToken(s.tokenSecret, sessionID, base.ID, KindRegistration, s.config.ChallengeTTL+tokenGrace, s.clock().UTC())
	if err != nil {
		return RegistrationStart{}, err
	}

	return RegistrationStart{Token: token, Options: creation}, nil
}

// FinishRegistration verifies an attestation response against the recorded
// challenge and, on success, stores the new device.
//
// Challenge and attestation failures both collapse to Verified=false; the
// distinction lives only in the security event trail.
func (s *Service) FinishRegistration(ctx context.Context, token string, responseJSON []byte) (Result, principal.Principal, error) {
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
	if claims.Kind != KindRegistration {
		return Result{}, principal.Principal{}, ErrTokenInvalid
	}

	base, err := s.principalByID(ctx, claims.PrincipalID)
	if err != nil {
		return Result{}, principal.Principal{}, err
	}

	session, err := s.loadSession(ctx, claims.SessionID, KindRegistration)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeCeremonySessionExpired {
			s.emitFailure(ctx, KindRegistration, base.ID, "", err)
			return Result{Verified: false}, base, nil
		}
		return Result{}, principal.Principal{}, err
	}
	defer func() {
		_ = s.sessions.DeleteCeremonySession(ctx, claims.SessionID)
	}()

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		s.emitFailure(ctx, KindRegistration, base.ID, "", ErrAttestationInvalid)
		return Result{Verified: false}, base, nil
	}

	if err := s.consumePresentedChallenge(ctx, base.ID, parsed.Response.CollectedClientData.Challenge); err != nil {
		s.emitFailure(ctx, KindRegistration, base.ID, "", err)
		return Result{Verified: false}, base, nil
	}

	user, err := s.loadCeremonyUser(ctx, base)
	if err != nil {
		return Result{}, principal.Principal{}, fmt.Errorf("load ceremony user: %w", err)
	}

	cred, err := s.webAuthn.CreateCredential(user, session.Data, parsed)
	if err != nil {
		s.emitFailure(ctx, KindRegistration, base.ID, "", ErrAttestationInvalid)
		return Result{Verified: false}, base, nil
	}

	if err := s.registry.AddDevice(ctx, base.ID, *cred); err != nil {
		return Result{}, principal.Principal{}, fmt.Errorf("store device: %w", err)
	}

	return Result{Verified: true}, base, nil
}

func (s *Service) principalByID(ctx context.Context, principalID string) (principal.Principal, error) {
	base, err := s.registry.PrincipalByID(ctx, principalID)
	if err != nil {
		return principal.Principal{}, err
	}
	return base, nil
}

// consumePresentedChallenge decodes the challenge echoed in the client data
// and burns the stored record. This is the trust boundary: byte-exact
// comparison against the server-side value, single use, bounded lifetime.
// An undecodable challenge still burns the record; a verification attempt
// consumes the challenge no matter how it fails.
func (s *Service) consumePresentedChallenge(ctx context.Context, principalID string, presented string) error {
	value, err := base64.RawURLEncoding.DecodeString(presented)
	if err != nil {
		value = nil
	}
	return s.challenges.Consume(ctx, principalID, value)
}
