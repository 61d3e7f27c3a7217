// Package email delivers license notification mail over SMTP.
// Configuration comes from the environment at send time so the
// server can pick up rotated credentials without a restart.
package email

import (
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"mycelium-ei-lang.com/cloud/internal/logger"
)

type smtpConfig struct {
	host string
	port string
	user string
	pass string
}

func configFromEnv() (smtpConfig, error) {
	cfg := smtpConfig{
		host: os.Getenv("SMTP_HOST"),
		port: os.Getenv("SMTP_PORT"),
		user: os.Getenv("SMTP_USER"),
		pass: os.Getenv("SMTP_PASS"),
	}

	var missing []string
	if cfg.host == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if cfg.port == "" {
		missing = append(missing, "SMTP_PORT")
	}
	if cfg.user == "" {
		missing = append(missing, "SMTP_USER")
	}
	if cfg.pass == "" {
		missing = append(missing, "SMTP_PASS")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("SMTP configuration missing: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Send delivers one message to one recipient. Notification sinks call
// this fire-and-forget, so a failure here must only be logged by the
// caller, never surfaced to a webhook response.
func Send(to, subject, body string) error {
	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("Email send skipped", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	auth := smtp.PlainAuth("", cfg.user, cfg.pass, cfg.host)
	msg := buildMessage(cfg.user, to, subject, body)
	addr := cfg.host + ":" + cfg.port

	return smtp.SendMail(addr, auth, cfg.user, []string{to}, msg)
}
