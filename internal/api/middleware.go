package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medx/internal/errors"
)

const userKey = "user_id"

func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		if auth == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing authorization header"})
		}

		userID, err := s.parseToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}

		c.Locals(userKey, userID)
		return c.Next()
	}
}

// websocketUpgrade authenticates the socket from the token query parameter,
// since browsers cannot set headers on upgrade requests.
func (s *Server) websocketUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID, err := s.parseToken(c.Query("token"))
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals(userKey, userID)
		return c.Next()
	}
}

func (s *Server) issueToken(userID string) (string, time.Time, error) {
	now := s.clock()
	exp := now.Add(s.config.Security.TokenTTL)
	if s.config.Security.TokenTTL <= 0 {
		exp = now.Add(7 * 24 * time.Hour)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte(s.config.Security.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Server) parseToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.Security.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock))
	if err != nil || !token.Valid {
		return "", apperrors.ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", apperrors.WithCause(apperrors.ErrUnauthorized, fmt.Errorf("token has no subject"))
	}
	return claims.Subject, nil
}

func currentUser(c *fiber.Ctx) string {
	id, _ := c.Locals(userKey).(string)
	return id
}

func (s *Server) requestMetrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		s.metrics.RecordRequest(status)
		return err
	}
}

// fail maps an application error onto an HTTP status and logs server errors.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrMedicationNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidMedication),
		errors.Is(err, apperrors.ErrClassificationAmbiguity),
		errors.Is(err, apperrors.ErrBadRequest):
		status = fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden):
		status = fiber.StatusForbidden
	}

	if status >= 500 {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(status).JSON(fiber.Map{"error": "internal error", "code": apperrors.GetCode(err)})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error(), "code": apperrors.GetCode(err)})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(400).JSON(fiber.Map{"error": msg})
}
