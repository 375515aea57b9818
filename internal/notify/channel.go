package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/toast"
)

// Channel names, as recorded on notification records.
const (
	ChannelNative = "native"
	ChannelToast  = "toast"
)

// PermissionState is the native surface's answer to a permission request.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionDefault PermissionState = "default"
)

// Handle identifies a shown native notification.
type Handle string

// NativeSurface is the OS-level notification API.
type NativeSurface interface {
	RequestPermission(ctx context.Context, userID string) (PermissionState, error)
	Show(ctx context.Context, userID string, msg Message) (Handle, error)
}

// ToastSurface is the in-app ephemeral message surface.
type ToastSurface interface {
	Push(userID string, t toast.Toast) toast.Toast
}

// NotificationChannel is one way of putting a message in front of the user.
type NotificationChannel interface {
	Name() string
	// Ready is the capability probe run before every send.
	Ready(ctx context.Context, userID string) bool
	Deliver(ctx context.Context, userID string, msg Message) error
}

// BreakerSettings configures the circuit breaker of the native channel.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// NativeChannel sends through the native surface behind a circuit breaker.
// While the breaker is open the channel reports itself not ready.
type NativeChannel struct {
	surface NativeSurface
	breaker *gobreaker.CircuitBreaker[Handle]
	logger  *zap.Logger
}

// NewNativeChannel wraps surface with a breaker
func NewNativeChannel(surface NativeSurface, settings BreakerSettings, logger *zap.Logger) *NativeChannel {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = time.Minute
	}

	cb := gobreaker.NewCircuitBreaker[Handle](gobreaker.Settings{
		Name:        "native-notifications",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		// A revoked subscription is the user's state, not a surface outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrPermissionUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Native notification breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &NativeChannel{surface: surface, breaker: cb, logger: logger}
}

func (c *NativeChannel) Name() string {
	return ChannelNative
}

// Ready asks the surface for permission. Errors count as not granted.
func (c *NativeChannel) Ready(ctx context.Context, userID string) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	state, err := c.surface.RequestPermission(ctx, userID)
	if err != nil {
		c.logger.Debug("Native permission probe failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return state == PermissionGranted
}

func (c *NativeChannel) Deliver(ctx context.Context, userID string, msg Message) error {
	_, err := c.breaker.Execute(func() (Handle, error) {
		return c.surface.Show(ctx, userID, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.WithCause(apperrors.ErrChannelUnavailable, err)
	}
	return err
}

// BreakerState reports the breaker state for health output.
func (c *NativeChannel) BreakerState() string {
	return c.breaker.State().String()
}

// FallbackChannel shows messages as toasts. It is always ready.
type FallbackChannel struct {
	surface ToastSurface
}

func NewFallbackChannel(surface ToastSurface) *FallbackChannel {
	return &FallbackChannel{surface: surface}
}

func (c *FallbackChannel) Name() string {
	return ChannelToast
}

func (c *FallbackChannel) Ready(context.Context, string) bool {
	return c.surface != nil
}

func (c *FallbackChannel) Deliver(_ context.Context, userID string, msg Message) error {
	if c.surface == nil {
		return apperrors.WithCause(apperrors.ErrChannelUnavailable, fmt.Errorf("no toast surface"))
	}
	c.surface.Push(userID, ToToast(msg))
	return nil
}

// ToToast maps a message onto the toast surface.
func ToToast(msg Message) toast.Toast {
	level := toast.LevelInfo
	switch msg.Kind {
	case KindMissed, KindLowStock, "permission":
		level = toast.LevelWarning
	case KindTest:
		level = toast.LevelSuccess
	}
	return toast.Toast{
		Title:      msg.Title,
		Body:       msg.Body,
		Level:      level,
		Kind:       msg.Kind,
		TargetView: msg.TargetView,
	}
}
