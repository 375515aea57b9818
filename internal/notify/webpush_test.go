package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/store"
)

type memPermissions struct {
	perms   map[string]*store.Permission
	revoked []string
}

func (m *memPermissions) Permission(_ context.Context, userID string) (*store.Permission, error) {
	if p, ok := m.perms[userID]; ok {
		return p, nil
	}
	return &store.Permission{UserID: userID, State: store.PermissionDefault}, nil
}

func (m *memPermissions) RevokePermission(_ context.Context, userID string) error {
	m.revoked = append(m.revoked, userID)
	if p, ok := m.perms[userID]; ok {
		p.State = store.PermissionDenied
		p.Endpoint = ""
	}
	return nil
}

func subscription(t *testing.T, endpoint string) *store.Permission {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return &store.Permission{
		UserID:   "u1",
		State:    store.PermissionGranted,
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTestWebPush(t *testing.T, perms *memPermissions) *WebPush {
	t.Helper()
	public, private, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	return NewWebPush(WebPushConfig{
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		Subscriber:      "admin@example.com",
	}, perms, zap.NewNop())
}

func TestWebPush_Show(t *testing.T) {
	var gotTTL, gotUrgency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTTL = r.Header.Get("TTL")
		gotUrgency = r.Header.Get("Urgency")
		w.Header().Set("Location", "/msg/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	perms := &memPermissions{perms: map[string]*store.Permission{"u1": subscription(t, server.URL)}}
	wp := newTestWebPush(t, perms)

	state, err := wp.RequestPermission(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, state)

	handle, err := wp.Show(context.Background(), "u1", TestMessage())
	require.NoError(t, err)
	assert.Equal(t, Handle("/msg/1"), handle)
	assert.Equal(t, "3600", gotTTL)
	assert.Equal(t, "high", gotUrgency)
}

func TestWebPush_GoneRevokesPermission(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	perms := &memPermissions{perms: map[string]*store.Permission{"u1": subscription(t, server.URL)}}
	wp := newTestWebPush(t, perms)
	revoked := make(chan string, 1)
	wp.OnRevoke(func(userID string) { revoked <- userID })

	_, err := wp.Show(context.Background(), "u1", TestMessage())
	assert.ErrorIs(t, err, apperrors.ErrPermissionUnavailable)
	assert.Equal(t, []string{"u1"}, perms.revoked)

	select {
	case userID := <-revoked:
		assert.Equal(t, "u1", userID)
	case <-time.After(time.Second):
		t.Fatal("revoke callback not called")
	}

	state, err := wp.RequestPermission(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, PermissionDenied, state)
}

func TestWebPush_ServerErrorIsNotRevocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	perms := &memPermissions{perms: map[string]*store.Permission{"u1": subscription(t, server.URL)}}
	wp := newTestWebPush(t, perms)

	_, err := wp.Show(context.Background(), "u1", TestMessage())
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrPermissionUnavailable)
	assert.Empty(t, perms.revoked)
}

func TestWebPush_NoSubscription(t *testing.T) {
	perms := &memPermissions{perms: map[string]*store.Permission{
		"u1": {UserID: "u1", State: store.PermissionGranted},
	}}
	wp := newTestWebPush(t, perms)

	state, err := wp.RequestPermission(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, PermissionDefault, state)

	_, err = wp.Show(context.Background(), "u1", TestMessage())
	assert.ErrorIs(t, err, apperrors.ErrPermissionUnavailable)
}

func TestPushPayloadShape(t *testing.T) {
	data, err := json.Marshal(pushPayload{Title: "t", Body: "b", URL: "/dashboard"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"t","body":"b","url":"/dashboard"}`, string(data))
}
