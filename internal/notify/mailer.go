package notify

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/and161185/metrionix/internal/model"
	mail "github.com/go-mail/mail"
	"go.uber.org/zap"
)

// Reconnector tells a human that an integration needs to be connected again.
type Reconnector interface {
	ReconnectRequired(ctx context.Context, key model.IntegrationKey, reason string) error
}

// LogReconnector only logs; used when no SMTP server is configured.
type LogReconnector struct{ Log *zap.Logger }

func (l LogReconnector) ReconnectRequired(_ context.Context, key model.IntegrationKey, reason string) error {
	l.Log.Warn("reconnect required",
		zap.String("agency_id", key.AgencyID.String()),
		zap.String("platform", string(key.Platform)),
		zap.String("account_id", key.AccountID),
		zap.String("reason", reason),
	)
	return nil
}

// dialer is the part of *mail.Dialer the mailer needs.
type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPReconnector emails the configured inbox through go-mail.
type SMTPReconnector struct {
	From string
	To   string

	d   dialer
	log *zap.Logger
}

// NewSMTPReconnector dials host:port with STARTTLS negotiated by go-mail.
func NewSMTPReconnector(host string, port int, user, pass, from, to string, log *zap.Logger) *SMTPReconnector {
	d := mail.NewDialer(host, port, user, pass)
	d.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if port == 465 {
		d.SSL = true
	}
	return &SMTPReconnector{From: from, To: to, d: d, log: log}
}

func (s *SMTPReconnector) ReconnectRequired(_ context.Context, key model.IntegrationKey, reason string) error {
	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", s.To)
	m.SetHeader("Subject", fmt.Sprintf("Metrionix: reconnect %s (%s)", key.Platform, key.AccountID))
	m.SetBody("text/plain", reconnectText(key, reason))

	if err := s.d.DialAndSend(m); err != nil {
		s.log.Error("reconnect mail failed", zap.String("integration", key.String()), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.Info("reconnect mail sent", zap.String("integration", key.String()))
	return nil
}

func reconnectText(key model.IntegrationKey, reason string) string {
	return fmt.Sprintf(
		"The %s connection for account %s (agency %s) was rejected by the platform and has been marked as error.\n\n"+
			"Reason: %s\n\nOpen Integrations in Metrionix and connect the account again to resume syncing.\n",
		key.Platform, key.AccountID, key.AgencyID, reason)
}
