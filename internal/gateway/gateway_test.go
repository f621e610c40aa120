package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"deplight/internal/model"
	"deplight/internal/realtime"
	"deplight/internal/store"
)

// fakeKeySet satisfies oidc.KeySet without checking signatures.
type fakeKeySet struct{}

func (fakeKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

const testIssuer = "https://issuer.test"

func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, _ := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "k1"})
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func testVerifier() *oidc.IDTokenVerifier {
	return oidc.NewVerifier(testIssuer, fakeKeySet{}, &oidc.Config{SkipClientIDCheck: true})
}

func TestOIDCAuthenticator_EmailClaim(t *testing.T) {
	a := NewOIDCAuthenticatorWithVerifier(testVerifier())
	token := unsignedToken(t, map[string]any{
		"iss":   testIssuer,
		"sub":   "u-1",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	})

	identity, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity)
}

func TestOIDCAuthenticator_FallsBackToSubject(t *testing.T) {
	a := NewOIDCAuthenticatorWithVerifier(testVerifier())
	token := unsignedToken(t, map[string]any{
		"iss": testIssuer,
		"sub": "u-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	identity, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-2", identity)
}

func TestOIDCAuthenticator_Rejects(t *testing.T) {
	a := NewOIDCAuthenticatorWithVerifier(testVerifier())
	expired := unsignedToken(t, map[string]any{
		"iss": testIssuer,
		"sub": "u-3",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongIssuer := unsignedToken(t, map[string]any{
		"iss": "https://elsewhere.test",
		"sub": "u-3",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	for name, token := range map[string]string{"empty": "", "expired": expired, "issuer": wrongIssuer, "garbage": "a.b"} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), token)
			assert.Error(t, err)
		})
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]string{"dev-alice": "alice"})

	identity, err := a.Authenticate(context.Background(), "dev-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	_, err = a.Authenticate(context.Background(), "dev-mallory")
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))
}

type fixture struct {
	gw     *Gateway
	auth   *mockAuthenticator
	store  *store.Memory
	rooms  *realtime.Broadcaster
	bridge *realtime.Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := store.NewMemory()
	require.NoError(t, st.CreateWorkspace(context.Background(), model.Workspace{ID: "W1", Name: "One", Members: []string{"alice"}}))
	require.NoError(t, st.CreateWorkspace(context.Background(), model.Workspace{ID: "W2", Name: "Two", Members: []string{"bob"}}))

	rooms := realtime.NewBroadcaster(logger)
	bridge := realtime.NewBridge(st, rooms, logger)
	auth := new(mockAuthenticator)
	return &fixture{
		gw:     New(auth, st, rooms, bridge, logger),
		auth:   auth,
		store:  st,
		rooms:  rooms,
		bridge: bridge,
	}
}

func TestAuthenticateWrapsErrAuth(t *testing.T) {
	f := newFixture(t)
	f.auth.On("Authenticate", mock.Anything, "good").Return("alice", nil)
	f.auth.On("Authenticate", mock.Anything, "bad").Return("", errors.New("signature mismatch"))

	identity, err := f.gw.Authenticate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	_, err = f.gw.Authenticate(context.Background(), "bad")
	assert.ErrorIs(t, err, model.ErrAuth)
	assert.NotContains(t, err.Error(), "signature")
	f.auth.AssertExpectations(t)
}

func TestJoinWorkspace_Member(t *testing.T) {
	f := newFixture(t)
	c := f.gw.Connect("alice")
	defer f.gw.Disconnect(c)

	require.NoError(t, f.gw.JoinWorkspace(context.Background(), c, "W1"))
	assert.Equal(t, []string{"W1"}, f.rooms.Rooms(c))
	assert.Equal(t, 1, f.store.Watchers("W1"))

	select {
	case env := <-c.Outbox():
		assert.Equal(t, realtime.EventCurrentShelf, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot after join")
	}
}

func TestJoinWorkspace_NotMemberHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	c := f.gw.Connect("alice")
	defer f.gw.Disconnect(c)

	for _, ws := range []string{"W2", "missing"} {
		err := f.gw.JoinWorkspace(context.Background(), c, ws)
		assert.ErrorIs(t, err, model.ErrAuthorization, ws)
	}
	assert.Empty(t, f.rooms.Rooms(c))
	assert.Equal(t, 0, f.store.Watchers("W2"))
	assert.Equal(t, 0, f.bridge.Count(c))

	select {
	case env := <-c.Outbox():
		t.Fatalf("unexpected event %s after refused join", env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveAndDisconnectReleaseWatches(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AddMember(context.Background(), "W2", "alice"))
	c := f.gw.Connect("alice")

	require.NoError(t, f.gw.JoinWorkspace(context.Background(), c, "W1"))
	require.NoError(t, f.gw.JoinWorkspace(context.Background(), c, "W2"))

	f.gw.LeaveWorkspace(c, "W1")
	assert.Equal(t, 0, f.store.Watchers("W1"))
	assert.Equal(t, []string{"W2"}, f.rooms.Rooms(c))

	f.gw.Disconnect(c)
	f.bridge.Wait()
	assert.Equal(t, 0, f.store.Watchers("W2"))
	assert.Empty(t, f.rooms.Rooms(c))
	assert.Equal(t, 0, f.rooms.Connections())
}
