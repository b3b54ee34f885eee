package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

const smtpDialTimeout = 30 * time.Second

// ErrSendNotConfigured is returned when no SMTP server or From address
// is configured.
var ErrSendNotConfigured = errors.New("sending email is not configured")

// Send composes d and delivers it through the configured SMTP server.
// An empty d.From uses the account address. It returns the composed
// message.
func (c *Client) Send(ctx context.Context, d Draft) ([]byte, error) {
	if !c.cfg.CanSend() {
		return nil, ErrSendNotConfigured
	}
	if d.From == "" {
		d.From = c.cfg.From
	}
	rcpts, err := d.Recipients()
	if err != nil {
		return nil, err
	}
	if len(rcpts) == 0 {
		return nil, errors.New("no recipients")
	}
	raw, err := Compose(d, time.Now())
	if err != nil {
		return nil, err
	}
	from, err := parseAddresses([]string{d.From})
	if err != nil {
		return nil, err
	}
	if err := sendMail(ctx, c.cfg.SMTP, from[0].Address, rcpts, raw); err != nil {
		return nil, err
	}
	c.logger.Info("email sent", "to", len(rcpts), "subject", d.Subject)
	return raw, nil
}

// sendMail delivers msg over one ephemeral SMTP connection.
func sendMail(ctx context.Context, cfg SMTPConfig, from string, rcpts []string, msg []byte) error {
	addr := hostPort(cfg.Host, cfg.Port)
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	tlsCfg := &tls.Config{ServerName: cfg.Host}

	var (
		conn net.Conn
		err  error
	)
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
