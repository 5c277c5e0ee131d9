package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the connection settings for the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the RFC 5322 From header value
	From string
	// SSL selects implicit TLS (port 465); otherwise STARTTLS is used when
	// the server offers it
	SSL bool
	// InsecureSkipVerify disables TLS certificate verification
	InsecureSkipVerify bool
	// DialTimeout bounds connection establishment
	DialTimeout time.Duration
}

// SMTPSender sends messages over a single SMTP session, reconnecting when
// the server drops it. It is safe for concurrent use; sends are serialized
// over the one session.
type SMTPSender struct {
	from         string
	envelopeFrom string
	addr         string
	dialTimeout  time.Duration
	dial         func() (gomail.SendCloser, error)

	mu   sync.Mutex
	conn gomail.SendCloser
}

// NewSMTPSender creates a new SMTPSender. Nothing is dialed until Verify or
// the first Send. An empty username skips authentication entirely, for
// relays that accept unauthenticated mail.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: true}
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// The envelope sender is the bare address inside the From header
	envelopeFrom := cfg.From
	if parsed, err := mail.ParseAddress(cfg.From); err == nil {
		envelopeFrom = parsed.Address
	}

	return &SMTPSender{
		from:         cfg.From,
		envelopeFrom: envelopeFrom,
		addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		dialTimeout:  timeout,
		dial:         d.Dial,
	}
}

// Verify connects and authenticates, keeping the session open for the sends
// that follow. Bad credentials surface here instead of on the first
// recipient.
func (s *SMTPSender) Verify(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}
	conn, err := s.dialCtx(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Send transmits one message over the shared session. A session the server
// dropped is reconnected once within the same call; any other failure
// closes the session so the next attempt starts fresh.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	reused := s.conn != nil
	if !reused {
		conn, err := s.dialCtx(ctx)
		if err != nil {
			return err
		}
		s.conn = conn
	}

	// gomail.Send flattens errors with %v, losing the SMTP reply code, so
	// the session is driven directly
	m := compose(s.from, msg)
	err := s.conn.Send(s.envelopeFrom, []string{msg.To}, m)
	if err == nil {
		return nil
	}
	s.closeLocked()

	if reused && isDisconnect(err) {
		conn, derr := s.dialCtx(ctx)
		if derr != nil {
			return derr
		}
		s.conn = conn
		if err = s.conn.Send(s.envelopeFrom, []string{msg.To}, m); err != nil {
			s.closeLocked()
			return fmt.Errorf("smtp: failed to send to %s: %w", msg.To, err)
		}
		return nil
	}

	return fmt.Errorf("smtp: failed to send to %s: %w", msg.To, err)
}

// Close shuts down the SMTP session, if one is open.
func (s *SMTPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SMTPSender) closeLocked() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

type dialResult struct {
	conn gomail.SendCloser
	err  error
}

// dialCtx runs the blocking gomail dial under a deadline, since the dialer
// itself has no timeout support.
func (s *SMTPSender) dialCtx(ctx context.Context) (gomail.SendCloser, error) {
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := s.dial()
		ch <- dialResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(s.dialTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("smtp: failed to connect to %s: %w", s.addr, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go drainDial(ch)
		return nil, ctx.Err()
	case <-timer.C:
		go drainDial(ch)
		return nil, fmt.Errorf("smtp: connecting to %s timed out after %s", s.addr, s.dialTimeout)
	}
}

// drainDial closes a connection that finished dialing after the caller gave
// up waiting on it.
func drainDial(ch chan dialResult) {
	if r := <-ch; r.conn != nil {
		r.conn.Close()
	}
}
