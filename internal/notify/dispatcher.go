// Package notify delivers notifications through the native surface or the
// toast fallback and records each delivery in the notification log.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/dose"
	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/store"
)

// Log is the notification log the dispatcher de-duplicates against and writes to.
type Log interface {
	WasSent(ctx context.Context, id store.Identity) (bool, error)
	AppendNotification(ctx context.Context, rec *store.NotificationRecord) (bool, error)
}

// Result is the outcome of one dispatch. Dispatch never returns an error;
// the caller logs Err once.
type Result struct {
	Identity   store.Identity
	Delivered  bool
	Suppressed bool
	Recorded   bool
	Channel    string
	RecordID   string
	Err        error
}

// Options configures a Dispatcher. Native may be nil when push is disabled.
type Options struct {
	Native     NotificationChannel
	Fallback   NotificationChannel
	Log        Log
	TargetView string
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Dispatcher routes messages to a channel with at-most-once semantics per
// notification identity.
type Dispatcher struct {
	native     NotificationChannel
	fallback   NotificationChannel
	log        Log
	targetView string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// Identities delivered in this process whose log write failed. Keeps a
	// broken log from turning into a notification every tick.
	mu      sync.Mutex
	pending map[store.Identity]time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(opts Options) *Dispatcher {
	if opts.TargetView == "" {
		opts.TargetView = DefaultTargetView
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		native:     opts.Native,
		fallback:   opts.Fallback,
		log:        opts.Log,
		targetView: opts.TargetView,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		pending:    make(map[store.Identity]time.Time),
	}
}

// Dispatch delivers the notification for one dose event.
func (d *Dispatcher) Dispatch(ctx context.Context, m medication.Medication, ev dose.Event, now time.Time) Result {
	id := store.Identity{
		UserID:       m.UserID,
		MedicationID: m.ID,
		Day:          ev.Day,
		Kind:         string(ev.Kind),
		Slot:         ev.Slot(),
	}
	return d.Send(ctx, id, DoseMessage(m, ev, d.targetView), now)
}

// SendLowStock delivers the refill warning at most once per medication and day.
func (d *Dispatcher) SendLowStock(ctx context.Context, m medication.Medication, stock int, now time.Time) Result {
	id := store.Identity{
		UserID:       m.UserID,
		MedicationID: m.ID,
		Day:          medication.DayKey(now),
		Kind:         KindLowStock,
	}
	return d.Send(ctx, id, LowStockMessage(m, stock, d.targetView), now)
}

// SendTest delivers a test notification. Every call is a new identity.
func (d *Dispatcher) SendTest(ctx context.Context, userID string, now time.Time) Result {
	id := store.Identity{
		UserID: userID,
		Day:    medication.DayKey(now),
		Kind:   KindTest,
		Slot:   fmt.Sprintf("%d", now.UnixNano()),
	}
	return d.Send(ctx, id, TestMessage(), now)
}

// NotifyUnavailable shows the permission notice as a toast only. It is not
// recorded.
func (d *Dispatcher) NotifyUnavailable(ctx context.Context, userID string) {
	if d.fallback == nil {
		return
	}
	if err := d.fallback.Deliver(ctx, userID, PermissionNeededMessage()); err != nil {
		d.logger.Debug("Permission notice not shown", zap.String("user_id", userID), zap.Error(err))
	}
}

// Send runs the pipeline for an arbitrary identity: de-duplicate, pick a
// channel, deliver, record.
func (d *Dispatcher) Send(ctx context.Context, id store.Identity, msg Message, now time.Time) (res Result) {
	res.Identity = id

	defer func() {
		if r := recover(); r != nil {
			res.Err = apperrors.WithCause(apperrors.ErrInternal, fmt.Errorf("panic in dispatch: %v", r))
		}
		d.observe(res)
	}()

	if d.isPending(id, now) {
		res.Suppressed = true
		return res
	}

	sent, err := d.log.WasSent(ctx, id)
	if err != nil {
		// Fail open: a reminder shown twice beats a missed one.
		d.logger.Warn("Notification log lookup failed",
			zap.String("user_id", id.UserID),
			zap.String("kind", id.Kind),
			zap.Error(err),
		)
	}
	if sent {
		res.Suppressed = true
		return res
	}

	channel, err := d.deliver(ctx, id.UserID, msg)
	if err != nil {
		res.Err = err
		return res
	}
	res.Delivered = true
	res.Channel = channel

	rec := &store.NotificationRecord{
		UserID:       id.UserID,
		MedicationID: id.MedicationID,
		Day:          id.Day,
		Kind:         id.Kind,
		Slot:         id.Slot,
		Title:        msg.Title,
		Body:         msg.Body,
		Channel:      channel,
		TargetView:   msg.TargetView,
		CreatedAt:    now,
	}
	created, err := d.log.AppendNotification(ctx, rec)
	if err != nil {
		d.remember(id, now)
		res.Err = err
		return res
	}
	res.Recorded = created
	if created {
		res.RecordID = rec.ID
	}
	return res
}

// deliver tries native first when ready, then the fallback.
func (d *Dispatcher) deliver(ctx context.Context, userID string, msg Message) (string, error) {
	var nativeErr error
	if d.native != nil && d.native.Ready(ctx, userID) {
		nativeErr = d.native.Deliver(ctx, userID, msg)
		if nativeErr == nil {
			return d.native.Name(), nil
		}
		d.logger.Warn("Native delivery failed, falling back",
			zap.String("user_id", userID),
			zap.String("code", apperrors.GetCode(nativeErr)),
			zap.Error(nativeErr),
		)
	}

	if d.fallback == nil || !d.fallback.Ready(ctx, userID) {
		if nativeErr != nil {
			return "", nativeErr
		}
		return "", apperrors.ErrPermissionUnavailable
	}
	if err := d.fallback.Deliver(ctx, userID, msg); err != nil {
		return "", err
	}
	return d.fallback.Name(), nil
}

func (d *Dispatcher) isPending(id store.Identity, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.pending[id]
	if ok && now.Sub(at) > store.MarkerTTL {
		delete(d.pending, id)
		return false
	}
	return ok
}

func (d *Dispatcher) remember(id store.Identity, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.pending {
		if now.Sub(at) > store.MarkerTTL {
			delete(d.pending, k)
		}
	}
	d.pending[id] = now
}

func (d *Dispatcher) observe(res Result) {
	switch {
	case res.Suppressed:
		d.metrics.RecordSuppressed(res.Identity.Kind)
	case res.Delivered:
		d.metrics.RecordDelivered(res.Channel, res.Identity.Kind)
	}
	if res.Err != nil {
		d.metrics.RecordFailure(apperrors.GetCode(res.Err))
	}
}

// Summary folds results for one log line per tick.
type Summary struct {
	Delivered  int
	Suppressed int
	Failed     int
	Errors     []string
}

func (s *Summary) Add(res Result) {
	if res.Delivered {
		s.Delivered++
	}
	if res.Suppressed {
		s.Suppressed++
	}
	if res.Err != nil {
		s.Failed++
		s.Errors = append(s.Errors, res.Err.Error())
	}
}
