package caregiver

import (
	"context"

	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/store"
)

// EmailSender writes alerts to the log in place of a mail relay.
type EmailSender struct {
	from   string
	logger *zap.Logger
}

func NewEmailSender(from string, logger *zap.Logger) *EmailSender {
	if from == "" {
		from = "alerts@medx.local"
	}
	return &EmailSender{from: from, logger: logger}
}

func (s *EmailSender) Medium() string { return "email" }

func (s *EmailSender) Send(_ context.Context, to store.DearOne, subject, body string) error {
	if to.Email == "" {
		return ErrNoAddress
	}
	s.logger.Info("Caregiver email",
		zap.String("from", s.from),
		zap.String("to", to.Email),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

// SMSSender writes alerts to the log in place of an SMS gateway.
type SMSSender struct {
	logger *zap.Logger
}

func NewSMSSender(logger *zap.Logger) *SMSSender {
	return &SMSSender{logger: logger}
}

func (s *SMSSender) Medium() string { return "sms" }

func (s *SMSSender) Send(_ context.Context, to store.DearOne, subject, body string) error {
	if to.Phone == "" {
		return ErrNoAddress
	}
	s.logger.Info("Caregiver SMS",
		zap.String("to", to.Phone),
		zap.String("text", subject+": "+body),
	)
	return nil
}
