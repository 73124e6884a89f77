// mailer.go
//
// Mailer interface plus SMTP and dev implementations.
// Add other implementations (ses.go, etc.) as separate files in this package.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"
)

// Mailer delivers one-time login codes to the user's email channel.
type Mailer interface {
	// SendLoginCode delivers the code to toEmail, noting when it expires.
	// The returned preview is an optional delivery reference for the caller
	// (empty for real SMTP delivery); err is non-nil only when delivery
	// definitively failed. A failed send never invalidates the code -- the
	// record stays usable for alternate delivery.
	SendLoginCode(ctx context.Context, toEmail, code string, expiresIn time.Duration) (preview string, err error)
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
}

// SMTPMailer sends login codes via SMTP.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// SendLoginCode emails the one-time code to toEmail. Preview is always empty
// for SMTP delivery -- the message went to a real mailbox.
func (m *SMTPMailer) SendLoginCode(ctx context.Context, toEmail, code string, expiresIn time.Duration) (string, error) {
	body := "Your login code is:\r\n\r\n" +
		"    " + code + "\r\n\r\n" +
		"It expires in " + formatDuration(expiresIn) + ". " +
		"If you did not try to log in, ignore this email.\r\n"

	msg := "From: " + m.cfg.FromAddress + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: Your login code\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body

	if err := m.sendMail(ctx, toEmail, msg); err != nil {
		return "", fmt.Errorf("sending login code email: %w", err)
	}
	return "", nil
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext
// sessions), authenticates, and delivers msg. The dial respects ctx cancellation.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", m.cfg.Host+":"+m.cfg.Port)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	// Enforce STARTTLS -- reject the session if the server does not advertise it.
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}

// DevMailer logs the code instead of delivering it. Used when SMTP is not
// configured; the returned preview surfaces the delivery in API responses so
// local clients can complete the flow without a mailbox.
type DevMailer struct{}

func (d *DevMailer) SendLoginCode(_ context.Context, toEmail, code string, expiresIn time.Duration) (string, error) {
	slog.Info("dev mailer: login code issued", "to", toEmail, "code", code, "expires_in", expiresIn)
	return "devmail://login-code/" + toEmail, nil
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour -> "1 hour", 30*time.Minute -> "30 minutes".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}
