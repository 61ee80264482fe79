// Package notify delivers one-time codes to members.
package notify

import (
	"context"
	"log/slog"

	"github.com/dukerupert/brewpoints/internal/model"
)

type Notifier interface {
	Send(ctx context.Context, to model.Contact, code string, purpose model.OTPPurpose) error
}

// Log writes codes to the logger instead of delivering them. Intended for
// local development only.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, to model.Contact, code string, purpose model.OTPPurpose) error {
	l.logger.Info("one-time code", "phone", to.Phone, "email", to.Email, "purpose", purpose, "code", code)
	return nil
}

func messageFor(code string, purpose model.OTPPurpose) (subject, body string) {
	switch purpose {
	case model.OTPPurposeRegistration:
		return "Confirm your Brewpoints signup",
			"Your Brewpoints signup code is " + code + ". It expires in 10 minutes."
	case model.OTPPurposeRedemption:
		return "Your Brewpoints redemption code",
			"Show this code to the barista to redeem your points: " + code + ". It expires in 10 minutes."
	default:
		return "Your Brewpoints code", "Your Brewpoints code is " + code + "."
	}
}
