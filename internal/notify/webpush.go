package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/store"
)

// PermissionStore is the part of the profile store the push surface needs.
type PermissionStore interface {
	Permission(ctx context.Context, userID string) (*store.Permission, error)
	RevokePermission(ctx context.Context, userID string) error
}

// WebPushConfig holds VAPID configuration.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

// WebPush is the native surface backed by browser push subscriptions.
type WebPush struct {
	cfg         WebPushConfig
	permissions PermissionStore
	logger      *zap.Logger
	onRevoke    func(userID string)
}

// pushPayload is the JSON the service worker receives.
type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// NewWebPush creates a push surface with VAPID keys.
func NewWebPush(cfg WebPushConfig, permissions PermissionStore, logger *zap.Logger) *WebPush {
	if cfg.TTL <= 0 {
		cfg.TTL = 3600
	}
	return &WebPush{cfg: cfg, permissions: permissions, logger: logger}
}

// OnRevoke registers fn to run after an expired subscription is revoked. fn
// runs on its own goroutine, outside the send that found the expiry. Set it
// before the first send.
func (w *WebPush) OnRevoke(fn func(userID string)) {
	w.onRevoke = fn
}

// VAPIDPublicKey returns the key clients subscribe with.
func (w *WebPush) VAPIDPublicKey() string {
	return w.cfg.VAPIDPublicKey
}

// RequestPermission reports granted only when a live subscription exists.
func (w *WebPush) RequestPermission(ctx context.Context, userID string) (PermissionState, error) {
	perm, err := w.permissions.Permission(ctx, userID)
	if err != nil {
		return PermissionDefault, err
	}
	switch {
	case perm.CanPush():
		return PermissionGranted, nil
	case perm.State == store.PermissionDenied:
		return PermissionDenied, nil
	}
	return PermissionDefault, nil
}

// Show sends msg to the user's subscription. A 404 or 410 from the push
// service revokes the stored permission.
func (w *WebPush) Show(ctx context.Context, userID string, msg Message) (Handle, error) {
	perm, err := w.permissions.Permission(ctx, userID)
	if err != nil {
		return "", err
	}
	if !perm.CanPush() {
		return "", apperrors.ErrPermissionUnavailable
	}

	data, err := json.Marshal(pushPayload{
		Title: msg.Title,
		Body:  msg.Body,
		URL:   msg.TargetView,
		Tag:   msg.Tag,
		Kind:  msg.Kind,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: perm.Endpoint,
		Keys: webpush.Keys{
			P256dh: perm.P256dh,
			Auth:   perm.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      w.cfg.HTTPClient,
		Subscriber:      w.cfg.Subscriber,
		TTL:             w.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		return "", fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := w.permissions.RevokePermission(ctx, userID); err != nil {
			w.logger.Warn("Failed to revoke expired subscription", zap.String("user_id", userID), zap.Error(err))
		} else if w.onRevoke != nil {
			go w.onRevoke(userID)
		}
		return "", apperrors.WithCause(apperrors.ErrPermissionUnavailable, fmt.Errorf("push subscription expired"))
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	return Handle(resp.Header.Get("Location")), nil
}

// GenerateVAPIDKeys returns a fresh key pair for the notifications config.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
