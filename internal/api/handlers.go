package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/dose"
	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/preferences"
	"github.com/gmsas95/medx/internal/scheduler"
	"github.com/gmsas95/medx/internal/store"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "healthy"
	code := fiber.StatusOK
	if err := s.store.Ping(c.Context()); err != nil {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	running := 0
	for _, st := range s.manager.States() {
		if st == scheduler.StateRunning {
			running++
		}
	}

	body := fiber.Map{
		"status":     status,
		"version":    Version,
		"timestamp":  s.clock().Unix(),
		"uptime":     s.metrics.Uptime().String(),
		"schedulers": running,
	}
	if s.native != nil {
		body["native_breaker"] = s.native.BreakerState()
	}
	if s.cron != nil {
		body["jobs"] = s.cron.ListJobs()
	}
	return c.Status(code).JSON(body)
}

// handleIndex describes the service entry points. There is no bundled web UI.
func (s *Server) handleIndex(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    "medx",
		"version": Version,
		"api":     "/api",
		"health":  "/api/health",
		"events":  "/ws",
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.UserID == "" {
		req.UserID = store.DefaultUserID
	}

	user, err := s.store.EnsureUser(c.Context(), req.UserID, req.DisplayName)
	if err != nil {
		return s.fail(c, err)
	}

	token, exp, err := s.issueToken(user.ID)
	if err != nil {
		s.logger.Error("Failed to sign token", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to generate token"})
	}

	return c.JSON(fiber.Map{"token": token, "expires_at": exp, "user": user})
}

func (s *Server) handleVAPIDKey(c *fiber.Ctx) error {
	if s.push == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "push notifications are disabled"})
	}
	return c.JSON(fiber.Map{"public_key": s.push.VAPIDPublicKey()})
}

// reconcile re-evaluates the user's scheduler after a change. Failures are
// logged by the manager and do not fail the request.
func (s *Server) reconcile(ctx context.Context, userID string) {
	if s.manager == nil {
		return
	}
	s.manager.Reconcile(ctx, userID)
}

// ==================== Medications ====================

func (s *Server) handleListMedications(c *fiber.Ctx) error {
	meds, err := s.store.Medications(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(meds)
}

// parseMedication binds and validates the body. A missing start date falls
// back to start, then to today.
func (s *Server) parseMedication(c *fiber.Ctx, start string) (medication.Record, error) {
	var rec medication.Record
	if err := c.BodyParser(&rec); err != nil {
		return rec, err
	}
	rec.UserID = currentUser(c)
	if err := s.validator.Fields(rec.Name, rec.Dosage, rec.Instructions, rec.Color); err != nil {
		return rec, err
	}
	if strings.TrimSpace(rec.StartDate) == "" {
		rec.StartDate = start
	}
	rec = rec.WithDefaultStart(s.clock(), s.location)
	if _, err := medication.ParseIn(rec, s.location); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Server) handleCreateMedication(c *fiber.Ctx) error {
	rec, err := s.parseMedication(c, "")
	if err != nil {
		return s.fail(c, asBadRequest(err))
	}
	rec.ID = ""

	userID := currentUser(c)
	created, err := s.store.CreateMedication(c.Context(), userID, rec)
	if err != nil {
		return s.fail(c, err)
	}
	s.reconcile(c.Context(), userID)
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleUpdateMedication(c *fiber.Ctx) error {
	userID := currentUser(c)
	existing, err := s.store.GetMedication(c.Context(), userID, c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}

	rec, err := s.parseMedication(c, existing.StartDate)
	if err != nil {
		return s.fail(c, asBadRequest(err))
	}
	rec.ID = existing.ID

	updated, err := s.store.UpdateMedication(c.Context(), userID, rec)
	if err != nil {
		return s.fail(c, err)
	}
	s.reconcile(c.Context(), userID)
	return c.JSON(updated)
}

func (s *Server) handleDeleteMedication(c *fiber.Ctx) error {
	userID := currentUser(c)
	if err := s.store.DeleteMedication(c.Context(), userID, c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	s.reconcile(c.Context(), userID)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleMarkTaken(c *fiber.Ctx) error {
	userID := currentUser(c)
	rec, err := s.store.MarkTaken(c.Context(), userID, c.Params("id"), s.clock())
	if err != nil {
		return s.fail(c, err)
	}
	s.reconcile(c.Context(), userID)
	return c.JSON(rec)
}

func (s *Server) handleUpdateStock(c *fiber.Ctx) error {
	var req stockRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if err := s.store.UpdateStock(c.Context(), currentUser(c), c.Params("id"), req.Stock); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"stock": req.Stock})
}

func (s *Server) handleTodaySchedule(c *fiber.Ctx) error {
	userID := currentUser(c)
	records, err := s.store.Medications(c.Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	prefs, err := s.store.Preferences(c.Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}

	meds, _ := medication.ParseAll(records, s.location)
	now := s.clock().In(s.location)
	schedule := dose.Today(meds, prefs.ReminderTiming, now)
	if schedule == nil {
		schedule = []dose.Schedule{}
	}
	return c.JSON(fiber.Map{"date": medication.DayKey(now), "doses": schedule})
}

// ==================== Preferences ====================

func (s *Server) handleGetPreferences(c *fiber.Ctx) error {
	prefs, err := s.store.Preferences(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(prefs)
}

func (s *Server) handleUpdatePreferences(c *fiber.Ctx) error {
	var req preferencesRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	userID := currentUser(c)
	prefs, err := s.store.Preferences(c.Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	if req.ReminderNotifications != nil {
		prefs.ReminderNotifications = *req.ReminderNotifications
	}
	if req.MissedDoseAlerts != nil {
		prefs.MissedDoseAlerts = *req.MissedDoseAlerts
	}
	if req.ReminderTiming != nil {
		prefs.ReminderTiming = preferences.ParseTiming(string(*req.ReminderTiming))
	}
	if req.RefillReminders != nil {
		prefs.RefillReminders = *req.RefillReminders
	}

	if err := s.store.SavePreferences(c.Context(), userID, prefs); err != nil {
		return s.fail(c, err)
	}
	s.reconcile(c.Context(), userID)
	return c.JSON(prefs.Normalized())
}

// ==================== Permission ====================

func (s *Server) handleGetPermission(c *fiber.Ctx) error {
	perm, err := s.store.Permission(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"state":     perm.State,
		"push":      perm.CanPush(),
		"scheduler": s.manager.For(currentUser(c)).State().String(),
	})
}

func (s *Server) handleGrantPermission(c *fiber.Ctx) error {
	var req permissionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.State == "" {
		req.State = store.PermissionGranted
	}
	switch req.State {
	case store.PermissionGranted, store.PermissionDenied, store.PermissionDefault:
	default:
		return badRequest(c, "state must be granted, denied or default")
	}

	userID := currentUser(c)
	perm := &store.Permission{
		UserID:   userID,
		State:    req.State,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := s.store.SavePermission(c.Context(), perm); err != nil {
		return s.fail(c, err)
	}

	state, _ := s.manager.Reconcile(c.Context(), userID)
	return c.JSON(fiber.Map{"state": perm.State, "push": perm.CanPush(), "scheduler": state.String()})
}

func (s *Server) handleRevokePermission(c *fiber.Ctx) error {
	userID := currentUser(c)
	if err := s.store.RevokePermission(c.Context(), userID); err != nil {
		return s.fail(c, err)
	}
	s.reconcile(c.Context(), userID)
	return c.SendStatus(fiber.StatusNoContent)
}

// ==================== Notifications ====================

func (s *Server) handleListNotifications(c *fiber.Ctx) error {
	userID := currentUser(c)
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	var (
		list []store.NotificationRecord
		err  error
	)
	if c.QueryBool("unread", false) {
		list, err = s.store.ListUnread(c.Context(), userID, limit)
	} else {
		list, err = s.store.ListNotifications(c.Context(), userID, limit, offset)
	}
	if err != nil {
		return s.fail(c, err)
	}

	unread, err := s.store.UnreadCount(c.Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []store.NotificationRecord{}
	}
	return c.JSON(fiber.Map{"notifications": list, "unread": unread})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	if err := s.store.MarkRead(c.Context(), currentUser(c), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleMarkAllRead(c *fiber.Ctx) error {
	n, err := s.store.MarkAllRead(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

func (s *Server) handleClearNotifications(c *fiber.Ctx) error {
	n, err := s.store.ClearNotifications(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (s *Server) handleTestNotification(c *fiber.Ctx) error {
	res := s.dispatcher.SendTest(c.Context(), currentUser(c), s.clock())
	if !res.Delivered {
		return s.fail(c, res.Err)
	}
	body := fiber.Map{"channel": res.Channel, "id": res.RecordID}
	if res.Err != nil {
		body["warning"] = res.Err.Error()
	}
	return c.JSON(body)
}

func (s *Server) handleCheckNow(c *fiber.Ctx) error {
	sum, ran, err := s.manager.CheckNow(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"ran":        ran,
		"delivered":  sum.Delivered,
		"suppressed": sum.Suppressed,
		"failed":     sum.Failed,
	})
}

func (s *Server) handleSchedulerStatus(c *fiber.Ctx) error {
	userID := currentUser(c)
	return c.JSON(fiber.Map{
		"user_id": userID,
		"state":   s.manager.For(userID).State().String(),
	})
}

// ==================== Dear ones ====================

func (s *Server) handleListDearOnes(c *fiber.Ctx) error {
	list, err := s.store.DearOnes(c.Context(), currentUser(c))
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []store.DearOne{}
	}
	return c.JSON(list)
}

func (s *Server) handleCreateDearOne(c *fiber.Ctx) error {
	var req dearOneRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest(c, "name is required")
	}
	if err := s.validator.Fields(req.Name, req.Relationship, req.Email, req.Phone, req.DiscordUserID); err != nil {
		return s.fail(c, err)
	}

	d := &store.DearOne{
		UserID:           currentUser(c),
		Name:             strings.TrimSpace(req.Name),
		Relationship:     req.Relationship,
		Email:            req.Email,
		Phone:            req.Phone,
		TelegramChatID:   req.TelegramChatID,
		DiscordUserID:    req.DiscordUserID,
		NotifyMissedDose: req.NotifyMissedDose,
		NotifyLowStock:   req.NotifyLowStock,
	}
	if !d.Reachable() {
		return badRequest(c, "a contact (email, phone, telegram or discord) is required")
	}
	if err := s.store.CreateDearOne(c.Context(), d); err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (s *Server) handleDeleteDearOne(c *fiber.Ctx) error {
	if err := s.store.DeleteDearOne(c.Context(), currentUser(c), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ==================== WebSocket ====================

// handleWebSocket streams the user's toasts, recent ones first.
func (s *Server) handleWebSocket(c *websocket.Conn) {
	defer c.Close()

	userID, _ := c.Locals(userKey).(string)
	s.metrics.IncrementToastConnections()
	defer s.metrics.DecrementToastConnections()

	for _, t := range s.hub.Recent(userID) {
		if err := c.WriteJSON(t); err != nil {
			return
		}
	}

	toasts, unsubscribe := s.hub.Subscribe(userID)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case t, ok := <-toasts:
			if !ok {
				return
			}
			if err := c.WriteJSON(t); err != nil {
				s.logger.Debug("WebSocket write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}

func asBadRequest(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.WithCause(apperrors.ErrBadRequest, err)
}
