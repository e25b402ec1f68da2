package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"phishsim/models"
)

const (
	smtpDialTimeout = 10 * time.Second
	smtpSendTimeout = 10 * time.Second
)

// OutboundMessage is a single rendered mail ready for dispatch.
type OutboundMessage struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
}

// DeliveryResult describes the outcome of a single dispatch attempt.
// gomail does not expose the server's reply, so the result carries the
// generated message id and acceptance, nothing server-reported.
type DeliveryResult struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
}

// DeliveryError classification kinds.
const (
	DeliveryErrAuth       = "auth"
	DeliveryErrTimeout    = "timeout"
	DeliveryErrConnection = "connection"
	DeliveryErrDelivery   = "delivery"
)

// DeliveryError wraps a dispatch failure with a coarse classification
// and a message safe to show an operator. The wrapped error may contain
// server banners, so callers must not surface Unwrap() output directly.
type DeliveryError struct {
	Kind    string
	Message string
	Err     error
}

func (e *DeliveryError) Error() string { return e.Message }
func (e *DeliveryError) Unwrap() error { return e.Err }

var friendlyDeliveryMessages = map[string]string{
	DeliveryErrAuth:       "The SMTP server rejected the configured credentials",
	DeliveryErrTimeout:    "The SMTP server did not respond in time",
	DeliveryErrConnection: "Could not connect to the SMTP server",
	DeliveryErrDelivery:   "The SMTP server refused to accept the message",
}

// Dispatcher sends rendered mail through a tenant's SMTP configuration.
// Campaign sends and connectivity tests both go through this interface
// so tests can swap in a recording fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, cfg *models.SMTPConfig, msg OutboundMessage) (*DeliveryResult, error)
}

// SMTPDispatcher is the production Dispatcher. Every Dispatch re-runs
// both halves of the SSRF guard against the stored config, so a config
// whose DNS now points somewhere private is refused even though it
// validated when saved.
type SMTPDispatcher struct{}

func NewSMTPDispatcher() *SMTPDispatcher { return &SMTPDispatcher{} }

func (s *SMTPDispatcher) Dispatch(ctx context.Context, cfg *models.SMTPConfig, msg OutboundMessage) (*DeliveryResult, error) {
	input, err := ValidateSMTPInput(cfg.Host, cfg.Port, cfg.SecurityMode)
	if err != nil {
		return nil, &DeliveryError{Kind: DeliveryErrConnection, Message: err.Error(), Err: err}
	}
	if err := AssertHostNotPrivateOrLocal(input.Host); err != nil {
		return nil, &DeliveryError{Kind: DeliveryErrConnection, Message: err.Error(), Err: err}
	}

	password, err := Decrypt(cfg.Password)
	if err != nil {
		return nil, &DeliveryError{
			Kind:    DeliveryErrAuth,
			Message: "Stored SMTP password could not be decrypted",
			Err:     err,
		}
	}

	if err := s.probe(input, cfg, password); err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	if cfg.FromName != "" {
		m.SetHeader("From", m.FormatAddress(cfg.FromEmail, cfg.FromName))
	} else {
		m.SetHeader("From", cfg.FromEmail)
	}
	if msg.ToName != "" {
		m.SetHeader("To", m.FormatAddress(msg.To, msg.ToName))
	} else {
		m.SetHeader("To", msg.To)
	}
	if cfg.ReplyTo != "" {
		m.SetHeader("Reply-To", cfg.ReplyTo)
	}
	messageID := uuid.NewString()
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", messageID, emailDomain(cfg.FromEmail)))
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTMLBody)
	m.AddAlternative("text/plain", StripHTMLTags(msg.HTMLBody))

	d := gomail.NewDialer(input.Host, input.Port, cfg.Username, password)
	switch input.SecurityMode {
	case models.SecurityModeSMTPS:
		d.SSL = true
		d.TLSConfig = &tls.Config{InsecureSkipVerify: !cfg.TLSVerify, ServerName: input.Host}
	case models.SecurityModeSTARTTLS:
		d.SSL = false
		d.TLSConfig = &tls.Config{InsecureSkipVerify: !cfg.TLSVerify, ServerName: input.Host}
	default:
		d.SSL = false
	}

	sendCtx, cancel := context.WithTimeout(ctx, smtpSendTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.DialAndSend(m)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, classifyDeliveryError(err, password)
		}
	case <-sendCtx.Done():
		return nil, &DeliveryError{
			Kind:    DeliveryErrTimeout,
			Message: friendlyDeliveryMessages[DeliveryErrTimeout],
			Err:     sendCtx.Err(),
		}
	}

	return &DeliveryResult{MessageID: messageID, Accepted: true}, nil
}

// probe opens a short-lived connection to verify reachability and the
// exact security mode before handing the message to gomail. gomail
// falls back to plaintext when a STARTTLS server drops the extension,
// which is exactly the downgrade the probe exists to catch.
func (s *SMTPDispatcher) probe(input *SMTPInput, cfg *models.SMTPConfig, password string) error {
	addr := fmt.Sprintf("%s:%d", input.Host, input.Port)

	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return classifyDeliveryError(err, password)
	}
	conn.SetDeadline(time.Now().Add(smtpDialTimeout))

	tlsConfig := &tls.Config{
		InsecureSkipVerify: !cfg.TLSVerify,
		ServerName:         input.Host,
	}

	var client *smtp.Client
	switch input.SecurityMode {
	case models.SecurityModeSMTPS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return classifyDeliveryError(err, password)
		}
		client, err = smtp.NewClient(tlsConn, input.Host)
	case models.SecurityModeSTARTTLS:
		client, err = smtp.NewClient(conn, input.Host)
		if err == nil {
			if ok, _ := client.Extension("STARTTLS"); !ok {
				client.Close()
				return &DeliveryError{
					Kind:    DeliveryErrConnection,
					Message: "The SMTP server does not offer STARTTLS on this port",
				}
			}
			err = client.StartTLS(tlsConfig)
		}
	default:
		client, err = smtp.NewClient(conn, input.Host)
	}
	if err != nil {
		conn.Close()
		return classifyDeliveryError(err, password)
	}
	defer client.Close()

	// PLAIN auth is only offered over TLS; on NONE-mode connections the
	// probe checks reachability and leaves auth to the send itself.
	if cfg.Username != "" && input.SecurityMode != models.SecurityModeNone {
		auth := smtp.PlainAuth("", cfg.Username, password, input.Host)
		if err := client.Auth(auth); err != nil {
			return &DeliveryError{
				Kind:    DeliveryErrAuth,
				Message: friendlyDeliveryMessages[DeliveryErrAuth],
				Err:     fmt.Errorf("%s", RedactSecret(err.Error(), password)),
			}
		}
	}
	client.Quit()
	return nil
}

// classifyDeliveryError maps low-level send failures onto the coarse
// DeliveryError kinds, redacting the password out of anything the
// server may have echoed back.
func classifyDeliveryError(err error, secret string) *DeliveryError {
	text := RedactSecret(err.Error(), secret)
	lower := strings.ToLower(text)

	kind := DeliveryErrDelivery
	switch {
	case strings.Contains(lower, "535") || strings.Contains(lower, "auth") || strings.Contains(lower, "credential"):
		kind = DeliveryErrAuth
	case isTimeoutError(err) || strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		kind = DeliveryErrTimeout
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "tls") || strings.Contains(lower, "certificate"):
		kind = DeliveryErrConnection
	}

	return &DeliveryError{
		Kind:    kind,
		Message: friendlyDeliveryMessages[kind],
		Err:     fmt.Errorf("%s", text),
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// RedactSecret blanks every occurrence of secret in text. Server error
// strings can echo the AUTH argument back, so anything derived from a
// send failure passes through here before being stored or returned.
func RedactSecret(text, secret string) string {
	if secret == "" {
		return text
	}
	return strings.ReplaceAll(text, secret, "[REDACTED]")
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
)

// StripHTMLTags produces a rough plain-text rendering of HTML markup
// for the multipart alternative body.
func StripHTMLTags(html string) string {
	text := regexp.MustCompile(`(?i)<br\s*/?>`).ReplaceAllString(html, "\n")
	text = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr)>`).ReplaceAllString(text, "\n")
	text = htmlTagPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = whitespacePattern.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}
