package ceremony

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/abstractwallet/internal/challenge"
	"github.com/louisbranch/abstractwallet/internal/credential"
	"github.com/louisbranch/abstractwallet/internal/principal"
	"github.com/louisbranch/abstractwallet/internal/storage"
	"github.com/louisbranch/abstractwallet/internal/telemetry"
)

// memStore backs every persistence contract the ceremonies touch.
type memStore struct {
	mu         sync.Mutex
	byID       map[string]principal.Principal
	byName     map[string]principal.Principal
	devices    map[string]storage.Device
	challenges map[string]storage.ChallengeRecord
	sessions   map[string]storage.CeremonySession
	events     []storage.SecurityEvent
}

func newMemStore() *memStore {
	return &memStore{
		byID:       make(map[string]principal.Principal),
		byName:     make(map[string]principal.Principal),
		devices:    make(map[string]storage.Device),
		challenges: make(map[string]storage.ChallengeRecord),
		sessions:   make(map[string]storage.CeremonySession),
	}
}

func (m *memStore) PutPrincipal(_ context.Context, p principal.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[p.Name]; exists {
		return errors.New("name already taken")
	}
	m.byID[p.ID] = p
	m.byName[p.Name] = p
	return nil
}

func (m *memStore) GetPrincipal(_ context.Context, principalID string) (principal.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[principalID]
	if !ok {
		return principal.Principal{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetPrincipalByName(_ context.Context, name string) (principal.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byName[name]
	if !ok {
		return principal.Principal{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) PutDevice(_ context.Context, device storage.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.PrincipalID+"/"+device.CredentialID] = device
	return nil
}

func (m *memStore) GetDevice(_ context.Context, principalID, credentialID string) (storage.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.devices[principalID+"/"+credentialID]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return device, nil
}

func (m *memStore) ListDevicesByPrincipal(_ context.Context, principalID string) ([]storage.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Device
	for _, device := range m.devices {
		if device.PrincipalID == principalID {
			out = append(out, device)
		}
	}
	return out, nil
}

func (m *memStore) UpdateDeviceCounter(_ context.Context, principalID, credentialID string, newCount uint32, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := principalID + "/" + credentialID
	device, ok := m.devices[key]
	if !ok {
		return false, nil
	}
	if device.SignCount != 0 && newCount <= device.SignCount {
		return false, nil
	}
	device.SignCount = newCount
	device.UpdatedAt = usedAt
	device.LastUsedAt = &usedAt
	m.devices[key] = device
	return true, nil
}

func (m *memStore) UpsertChallenge(_ context.Context, record storage.ChallengeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[record.PrincipalID] = record
	return nil
}

func (m *memStore) TakeChallenge(_ context.Context, principalID string) (storage.ChallengeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.challenges[principalID]
	if !ok {
		return storage.ChallengeRecord{}, storage.ErrNotFound
	}
	delete(m.challenges, principalID)
	return record, nil
}

func (m *memStore) PutCeremonySession(_ context.Context, session storage.CeremonySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *memStore) GetCeremonySession(_ context.Context, id string) (storage.CeremonySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return storage.CeremonySession{}, storage.ErrNotFound
	}
	return session, nil
}

func (m *memStore) DeleteCeremonySession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) DeleteExpiredCeremonySessions(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.ExpiresAt.Before(now) {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memStore) AppendSecurityEvent(_ context.Context, event storage.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) eventKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.events))
	for _, event := range m.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

// fakeWebAuthn mints a fixed challenge and returns scripted verification
// outcomes so tests can drive the ceremony state machine directly.
type fakeWebAuthn struct {
	challenge        string
	registrationOpts int
	created          *webauthn.Credential
	createErr        error
	validated        *webauthn.Credential
	validateErr      error
}

func (f *fakeWebAuthn) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	f.registrationOpts = len(opts)
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: f.challenge, UserID: user.WebAuthnID()}, nil
}

func (f *fakeWebAuthn) CreateCredential(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return f.created, f.createErr
}

func (f *fakeWebAuthn) BeginLogin(user webauthn.User, _ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: f.challenge, UserID: user.WebAuthnID()}, nil
}

func (f *fakeWebAuthn) ValidateLogin(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	return f.validated, f.validateErr
}

type fakeParser struct {
	creation  *protocol.ParsedCredentialCreationData
	assertion *protocol.ParsedCredentialAssertionData
	err       error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes([]byte) (*protocol.ParsedCredentialCreationData, error) {
	return f.creation, f.err
}

func (f *fakeParser) ParseCredentialRequestResponseBytes([]byte) (*protocol.ParsedCredentialAssertionData, error) {
	return f.assertion, f.err
}

type testHarness struct {
	svc      *Service
	store    *memStore
	webAuthn *fakeWebAuthn
	parser   *fakeParser
	clock    *time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	value := make([]byte, challenge.ValueSize)
	if _, err := rand.Read(value); err != nil {
		t.Fatalf("read random challenge: %v", err)
	}

	store := newMemStore()
	now := time.Unix(1700000000, 0)
	clock := &now
	clockFn := func() time.Time { return *clock }

	registry := credential.NewRegistry(store, store).WithClock(clockFn)
	challenges := challenge.NewStore(store).WithClock(clockFn)
	emitter := telemetry.NewEmitter(store)

	cfg := Config{
		RPDisplayName: "Abstract Wallet",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8080"},
		ChallengeTTL:  time.Minute,
	}

	webAuthn := &fakeWebAuthn{challenge: base64.RawURLEncoding.EncodeToString(value)}
	parser := &fakeParser{}

	svc := NewService(cfg, registry, challenges, store, emitter).
		WithTokenSecret([]byte("0123456789abcdef0123456789abcdef")).
		WithClock(clockFn)
	svc.webAuthn = webAuthn
	svc.webAuthnErr = nil
	svc.parser = parser

	return &testHarness{svc: svc, store: store, webAuthn: webAuthn, parser: parser, clock: clock}
}

func (h *testHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func (h *testHarness) scriptRegistration(t *testing.T, rawID []byte, signCount uint32) {
	t.Helper()
	parsed := &protocol.ParsedCredentialCreationData{}
	parsed.Response.CollectedClientData.Challenge = h.webAuthn.challenge
	h.parser.creation = parsed
	h.webAuthn.created = &webauthn.Credential{
		ID:            rawID,
		PublicKey:     []byte{0x01},
		Authenticator: webauthn.Authenticator{SignCount: signCount},
	}
}

func (h *testHarness) scriptAssertion(t *testing.T, rawID []byte, signCount uint32, cloneWarning bool) {
	t.Helper()
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = protocol.URLEncodedBase64(rawID)
	parsed.Response.CollectedClientData.Challenge = h.webAuthn.challenge
	h.parser.assertion = parsed
	h.webAuthn.validated = &webauthn.Credential{
		ID:        rawID,
		PublicKey: []byte{0x01},
		Authenticator: webauthn.Authenticator{
			SignCount:    signCount,
			CloneWarning: cloneWarning,
		},
	}
}

func (h *testHarness) register(t *testing.T, name string, rawID []byte, signCount uint32) principal.Principal {
	t.Helper()
	start, err := h.svc.BeginRegistration(context.Background(), name)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	h.scriptRegistration(t, rawID, signCount)
	result, base, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if !result.Verified {
		t.Fatal("expected registration to verify")
	}
	return base
}

func TestRegistrationCeremony(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginRegistration(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if start.Token == "" {
		t.Fatal("expected ceremony token")
	}
	if start.Options == nil {
		t.Fatal("expected creation options")
	}
	if len(h.store.challenges) != 1 {
		t.Fatalf("expected 1 live challenge, got %d", len(h.store.challenges))
	}
	if len(h.store.sessions) != 1 {
		t.Fatalf("expected 1 ceremony session, got %d", len(h.store.sessions))
	}

	h.scriptRegistration(t, []byte("cred-1"), 0)
	result, base, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if !result.Verified {
		t.Fatal("expected verified result")
	}
	if base.Name != "alice" {
		t.Fatalf("expected principal alice, got %q", base.Name)
	}
	if len(h.store.devices) != 1 {
		t.Fatalf("expected 1 stored device, got %d", len(h.store.devices))
	}
	if len(h.store.sessions) != 0 {
		t.Fatalf("expected ceremony session deleted, got %d", len(h.store.sessions))
	}
	if len(h.store.challenges) != 0 {
		t.Fatalf("expected challenge consumed, got %d live", len(h.store.challenges))
	}
}

func TestBeginRegistrationExcludesExistingDevices(t *testing.T) {
	h := newHarness(t)

	// First enrollment has no exclusions to add.
	if _, err := h.svc.BeginRegistration(context.Background(), "alice"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	firstOpts := h.webAuthn.registrationOpts

	h.register(t, "alice", []byte("cred-1"), 0)
	if _, err := h.svc.BeginRegistration(context.Background(), "alice"); err != nil {
		t.Fatalf("begin second registration: %v", err)
	}
	if h.webAuthn.registrationOpts != firstOpts+1 {
		t.Fatalf("expected exclusion option once a device exists, got %d then %d", firstOpts, h.webAuthn.registrationOpts)
	}
}

func TestFinishRegistrationReplay(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginRegistration(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	h.scriptRegistration(t, []byte("cred-1"), 0)
	if result, _, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}")); err != nil || !result.Verified {
		t.Fatalf("first finish: verified=%v err=%v", result.Verified, err)
	}

	// Replaying the same response must not verify again, and must not error.
	result, _, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("replay finish: %v", err)
	}
	if result.Verified {
		t.Fatal("expected replayed registration to be unverified")
	}
	if len(h.store.devices) != 1 {
		t.Fatalf("expected no extra device, got %d", len(h.store.devices))
	}
}

func TestFinishRegistrationChallengeMismatch(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginRegistration(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	h.scriptRegistration(t, []byte("cred-1"), 0)
	h.parser.creation.Response.CollectedClientData.Challenge = base64.RawURLEncoding.EncodeToString([]byte("wrong challenge value here......"))

	result, _, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if result.Verified {
		t.Fatal("expected mismatched challenge to fail verification")
	}
	if len(h.store.devices) != 0 {
		t.Fatalf("expected no device stored, got %d", len(h.store.devices))
	}

	kinds := h.store.eventKinds()
	if len(kinds) == 0 || kinds[0] != telemetry.KindVerificationFailure {
		t.Fatalf("expected verification failure event, got %v", kinds)
	}
}

func TestFinishRegistrationAttestationFailure(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginRegistration(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	h.scriptRegistration(t, []byte("cred-1"), 0)
	h.webAuthn.created = nil
	h.webAuthn.createErr = errors.New("attestation rejected")

	result, _, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if result.Verified {
		t.Fatal("expected failed attestation to be unverified")
	}
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	h := newHarness(t)

	start, err := h.svc.BeginRegistration(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	h.scriptRegistration(t, []byte("cred-1"), 0)
	h.advance(2 * time.Minute)

	result, _, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if result.Verified {
		t.Fatal("expected expired ceremony to be unverified")
	}
}

func TestFinishRegistrationRejectsWrongKindToken(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", []byte("cred-1"), 0)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	if _, _, err := h.svc.FinishRegistration(context.Background(), start.Token, []byte("{}")); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for authentication token, got %v", err)
	}
}

func TestFinishRegistrationRejectsGarbageToken(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.svc.FinishRegistration(context.Background(), "garbage", []byte("{}")); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestBeginAuthenticationRequiresEnrollment(t *testing.T) {
	h := newHarness(t)

	if _, err := h.svc.BeginAuthentication(context.Background(), "nobody"); !errors.Is(err, credential.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound for unknown name, got %v", err)
	}

	// A principal that exists but has no devices is indistinguishable from an
	// unknown one.
	if _, err := h.svc.registry.FindOrCreatePrincipal(context.Background(), "empty"); err != nil {
		t.Fatalf("create principal: %v", err)
	}
	if _, err := h.svc.BeginAuthentication(context.Background(), "empty"); !errors.Is(err, credential.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound for deviceless principal, got %v", err)
	}
}

func TestAuthenticationCeremony(t *testing.T) {
	h := newHarness(t)
	rawID := []byte("cred-1")
	base := h.register(t, "alice", rawID, 5)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	h.scriptAssertion(t, rawID, 6, false)

	result, got, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if !result.Verified {
		t.Fatal("expected verified result")
	}
	if got.ID != base.ID {
		t.Fatalf("expected principal %q, got %q", base.ID, got.ID)
	}

	device, err := h.store.GetDevice(context.Background(), base.ID, credential.EncodeCredentialID(rawID))
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.SignCount != 6 {
		t.Fatalf("expected counter advanced to 6, got %d", device.SignCount)
	}
	if device.LastUsedAt == nil {
		t.Fatal("expected last used timestamp")
	}
}

func TestFinishAuthenticationReplay(t *testing.T) {
	h := newHarness(t)
	rawID := []byte("cred-1")
	h.register(t, "alice", rawID, 5)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	h.scriptAssertion(t, rawID, 6, false)
	if result, _, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}")); err != nil || !result.Verified {
		t.Fatalf("first finish: verified=%v err=%v", result.Verified, err)
	}

	result, _, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("replay finish: %v", err)
	}
	if result.Verified {
		t.Fatal("expected replayed assertion to be unverified")
	}
}

func TestFinishAuthenticationUnknownDevice(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", []byte("cred-1"), 5)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	h.scriptAssertion(t, []byte("other-cred"), 6, false)

	if _, _, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}")); !errors.Is(err, credential.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestFinishAuthenticationAssertionFailure(t *testing.T) {
	h := newHarness(t)
	rawID := []byte("cred-1")
	h.register(t, "alice", rawID, 5)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	h.scriptAssertion(t, rawID, 6, false)
	h.webAuthn.validated = nil
	h.webAuthn.validateErr = errors.New("signature invalid")

	result, _, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if result.Verified {
		t.Fatal("expected failed assertion to be unverified")
	}

	kinds := h.store.eventKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != telemetry.KindVerificationFailure {
		t.Fatalf("expected verification failure event, got %v", kinds)
	}
}

func TestFinishAuthenticationCounterRegression(t *testing.T) {
	h := newHarness(t)
	rawID := []byte("cred-1")
	base := h.register(t, "alice", rawID, 5)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	h.scriptAssertion(t, rawID, 5, false)

	result, _, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if result.Verified {
		t.Fatal("expected counter regression to fail verification")
	}

	kinds := h.store.eventKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != telemetry.KindCounterRegression {
		t.Fatalf("expected counter regression event, got %v", kinds)
	}

	// The stored counter is untouched and the device stays enabled.
	device, err := h.store.GetDevice(context.Background(), base.ID, credential.EncodeCredentialID(rawID))
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.SignCount != 5 {
		t.Fatalf("expected counter unchanged at 5, got %d", device.SignCount)
	}
}

func TestFinishAuthenticationCloneWarning(t *testing.T) {
	h := newHarness(t)
	rawID := []byte("cred-1")
	h.register(t, "alice", rawID, 5)

	start, err := h.svc.BeginAuthentication(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	h.scriptAssertion(t, rawID, 6, true)

	result, _, err := h.svc.FinishAuthentication(context.Background(), start.Token, []byte("{}"))
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if result.Verified {
		t.Fatal("expected clone warning to fail verification")
	}

	kinds := h.store.eventKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != telemetry.KindCloneWarning {
		t.Fatalf("expected clone warning event, got %v", kinds)
	}
}

func TestPrincipalLookup(t *testing.T) {
	h := newHarness(t)
	base := h.register(t, "alice", []byte("cred-1"), 0)

	found, err := h.svc.Principal(context.Background(), "ALICE")
	if err != nil {
		t.Fatalf("principal lookup: %v", err)
	}
	if found.ID != base.ID {
		t.Fatalf("expected principal %q, got %q", base.ID, found.ID)
	}

	if _, err := h.svc.Principal(context.Background(), "nobody"); !errors.Is(err, credential.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestServiceRequiresTokenSecret(t *testing.T) {
	h := newHarness(t)
	h.svc.tokenSecret = nil
	if _, err := h.svc.BeginRegistration(context.Background(), "alice"); err == nil {
		t.Fatal("expected error without token secret")
	}
}
