// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mail sends the platform's operational notifications over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/litp/internal/cleanse"
)

var logger = loggo.GetLogger("litp.mail")

// Config is the SMTP endpoint notifications go out through.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Enabled reports whether notifications are configured at all.
func (c Config) Enabled() bool {
	return c.Host != ""
}

// Validate checks an enabled configuration for completeness.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Port <= 0 {
		return errors.NotValidf("smtp port %d", c.Port)
	}
	if c.From == "" {
		return errors.NotValidf("smtp configuration without sender")
	}
	if len(c.To) == 0 {
		return errors.NotValidf("smtp configuration without recipients")
	}
	return nil
}

// Sink sends platform notifications.
type Sink interface {
	// SendReport announces a finished cleanse analysis with its report
	// download link.
	SendReport(ctx context.Context, reportURL string, summary cleanse.Summary) error

	// SendTest sends a test notification to the given address so
	// operators can verify the configured endpoint end to end.
	SendTest(ctx context.Context, addr string) error
}

// SMTPSink is a Sink delivering over plain SMTP.
type SMTPSink struct {
	cfg   Config
	clock clock.Clock
}

// NewSMTPSink returns a sink over the given endpoint.
func NewSMTPSink(cfg Config, clk clock.Clock) *SMTPSink {
	return &SMTPSink{cfg: cfg, clock: clk}
}

// SendReport implements Sink.
func (s *SMTPSink) SendReport(ctx context.Context, reportURL string, summary cleanse.Summary) error {
	body := fmt.Sprintf(
		"Cleanse analysis completed at %s.\r\n"+
			"\r\n"+
			"Holdings analyzed: %d of %d\r\n"+
			"Issues found:      %d\r\n"+
			"Issues resolved:   %d\r\n"+
			"\r\n"+
			"Download the issue report:\r\n%s\r\n",
		s.clock.Now().UTC().Format(time.RFC1123),
		summary.RecordsAnalyzed, summary.TotalRecords,
		summary.IssuesFound, summary.IssuesResolved,
		reportURL,
	)
	return errors.Trace(s.send(ctx, s.cfg.To, "Cleanse analysis report", body))
}

// SendTest implements Sink.
func (s *SMTPSink) SendTest(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.NotValidf("test notification without address")
	}
	body := fmt.Sprintf("Test notification sent at %s.\r\n",
		s.clock.Now().UTC().Format(time.RFC1123))
	return errors.Trace(s.send(ctx, []string{addr}, "Test notification", body))
}

// send delivers one message. SendMail has no context support; delivery is
// bounded by the server's own timeouts, and callers treat failure as
// non-fatal.
func (s *SMTPSink) send(ctx context.Context, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", s.clock.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, to, msg.Bytes()); err != nil {
		return errors.Annotatef(err, "sending %q via %s", subject, addr)
	}
	logger.Debugf("sent %q to %s", subject, strings.Join(to, ", "))
	return nil
}

// LogSink is the Sink used when SMTP is not configured: it logs instead of
// delivering, so environments without mail still complete analyses.
type LogSink struct{}

// SendReport implements Sink.
func (LogSink) SendReport(_ context.Context, reportURL string, summary cleanse.Summary) error {
	logger.Infof("notifications disabled; analysis report ready (%d found, %d resolved): %s",
		summary.IssuesFound, summary.IssuesResolved, reportURL)
	return nil
}

// SendTest implements Sink.
func (LogSink) SendTest(_ context.Context, addr string) error {
	logger.Infof("notifications disabled; test notification to %s dropped", addr)
	return nil
}
