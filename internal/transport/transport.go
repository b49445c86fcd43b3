// Package transport delivers messages through a company's SMTP submission
// endpoint.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailsling/mailsling/internal/config"
	"github.com/mailsling/mailsling/internal/dkim"
	"github.com/mailsling/mailsling/internal/email"
)

// ErrUnknownCompany is returned when a dispatch names a company with no
// configured credentials.
var ErrUnknownCompany = errors.New("unknown company")

// Message is one outbound email
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender is a mail-sending channel bound to one company's credentials.
// One Sender is created per dispatch request and reused for every message
// in that request.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Factory produces Senders from the injected per-company credential table.
type Factory struct {
	hostname  string
	companies map[string]config.Company
	signers   map[string]*dkim.Signer
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFactory creates a Factory. DKIM keys are loaded up front so a bad key
// file fails at startup rather than mid-dispatch.
func NewFactory(hostname string, companies map[string]config.Company, logger *slog.Logger) (*Factory, error) {
	signers := make(map[string]*dkim.Signer)
	for id, company := range companies {
		if company.DKIM == nil || !company.DKIM.Enabled {
			continue
		}
		signer, err := dkim.NewSignerFromFile(company.DKIM.KeyFile, company.DKIM.Domain, company.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("company %s: %w", id, err)
		}
		signers[id] = signer
		logger.Info("DKIM signing enabled", "company", id, "domain", company.DKIM.Domain, "selector", company.DKIM.Selector)
	}

	return &Factory{
		hostname:  hostname,
		companies: companies,
		signers:   signers,
		timeout:   30 * time.Second,
		logger:    logger,
	}, nil
}

// Known reports whether credentials exist for the company.
func (f *Factory) Known(company string) bool {
	_, ok := f.companies[company]
	return ok
}

// Create returns a Sender for the company, or ErrUnknownCompany.
func (f *Factory) Create(company string) (Sender, error) {
	cfg, ok := f.companies[company]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompany, company)
	}

	return &smtpSender{
		company:  company,
		cfg:      cfg,
		hostname: f.hostname,
		signer:   f.signers[company],
		timeout:  f.timeout,
		logger:   f.logger.With("company", company),
	}, nil
}

// smtpSender holds one authenticated submission session. The SMTP protocol
// is serial, so concurrent sends from a batch serialize on mu while sharing
// the session.
type smtpSender struct {
	company  string
	cfg      config.Company
	hostname string
	signer   *dkim.Signer
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
}

// Send delivers one message, dialing and authenticating on first use.
func (s *smtpSender) Send(ctx context.Context, msg *Message) error {
	data, err := s.buildMessage(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		if err := s.connect(ctx); err != nil {
			return err
		}
	}

	s.conn.SetDeadline(time.Now().Add(s.timeout))

	if err := s.submit(msg.To, data); err != nil {
		// Drop the session so the next send redials instead of reusing
		// a broken connection.
		s.closeLocked()
		return err
	}

	s.logger.Debug("message submitted", "to", msg.To, "subject", msg.Subject)
	return nil
}

// connect dials the submission endpoint and authenticates. Callers hold mu.
func (s *smtpSender) connect(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.timeout}

	tlsConfig := &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	var conn net.Conn
	var err error
	implicitTLS := s.cfg.Port == 465
	if implicitTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connection failed to %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(s.timeout))
	client := smtp.NewClient(conn)

	if err := client.Hello(s.hostname); err != nil {
		client.Close()
		return fmt.Errorf("HELO failed: %w", err)
	}

	if !implicitTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	if err := client.Auth(auth); err != nil {
		client.Close()
		return fmt.Errorf("authentication failed for %s: %w", s.cfg.Username, err)
	}

	s.conn = conn
	s.client = client
	s.logger.Debug("submission session established", "addr", addr)
	return nil
}

// submit runs one MAIL/RCPT/DATA transaction on the open session.
func (s *smtpSender) submit(to string, data []byte) error {
	if err := s.client.Mail(s.cfg.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	if err := s.client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO %s failed: %w", to, err)
	}

	wc, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}

	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}

	if err := wc.Close(); err != nil {
		return fmt.Errorf("DATA close failed: %w", err)
	}

	return nil
}

// buildMessage constructs the RFC 5322 message, signed when the company has
// a DKIM key.
func (s *smtpSender) buildMessage(msg *Message) ([]byte, error) {
	var buf bytes.Buffer

	fromDomain := email.ExtractDomainOrDefault(s.cfg.From, s.hostname)

	buf.WriteString(fmt.Sprintf("From: %q <%s>\r\n", s.cfg.FromName, s.cfg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), fromDomain))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")

	data := buf.Bytes()
	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			// Unsigned mail still delivers; signing failure is not a
			// send failure.
			s.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
			return data, nil
		}
		data = signed
	}

	return data, nil
}

// Close terminates the submission session.
func (s *smtpSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	err := s.client.Quit()
	s.client = nil
	s.conn = nil
	return err
}

// closeLocked drops the session without QUIT. Callers hold mu.
func (s *smtpSender) closeLocked() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.conn = nil
	}
}
