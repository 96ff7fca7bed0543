package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	logx "triggerd/pkg/logx"
)

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SMTPSender sends HTML mail through net/smtp.
type SMTPSender struct {
	cfg Config
}

func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail from is required")
	}
	switch cfg.Mode {
	case "starttls", "tls", "plain":
	default:
		return nil, fmt.Errorf("unknown mail mode %q", cfg.Mode)
	}
	return &SMTPSender{cfg: cfg}, nil
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("message has no recipient")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	body := buildMIME(s.cfg.From, m)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		if s.cfg.Mode == "tls" {
			done <- s.sendImplicitTLS(addr, auth, m.To, body)
			return
		}
		done <- smtp.SendMail(addr, auth, s.cfg.From, []string{m.To}, body)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTPSender) sendImplicitTLS(addr string, auth smtp.Auth, to string, body []byte) error {
	dialer := &net.Dialer{Timeout: s.cfg.SendTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(s.cfg.SendTimeout))
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMIME(from string, m Message) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + m.To + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.Subject) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(m.HTML)
	return []byte(sb.String())
}

// LogSender writes messages to the log instead of sending them. It is used
// when mail is disabled.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.log.Info("mail disabled; notification logged", logx.String("to", m.To), logx.String("subject", m.Subject))
	return nil
}
