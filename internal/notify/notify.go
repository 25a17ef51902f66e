// Package notify delivers out-of-band messages (verification codes, alerts)
// to an account's e-mail address.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"otterchat.org/internal/obs"
)

var (
	ErrNotConfigured = errors.New("notify: email not configured")
	ErrQueueFull     = errors.New("notify: queue full")
	ErrClosed        = errors.New("notify: closed")
)

// Notifier sends one message to one address.
type Notifier interface {
	Send(ctx context.Context, email, subject, body string) error
}

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP sends plain-text mail through a relay with PLAIN auth.
type SMTP struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTP{cfg: cfg, sendMail: smtp.SendMail}, nil
}

func (s *SMTP) Send(_ context.Context, email, subject, body string) error {
	if strings.ContainsAny(email, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("notify: header injection rejected")
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	return s.sendMail(addr, auth, s.cfg.From, []string{email}, buildMessage(s.cfg.From, email, subject, body))
}

func buildMessage(from, to, subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n"))
}

// Log writes messages to the structured log instead of sending them. Bodies
// are omitted since they may carry verification codes.
type Log struct{}

func (Log) Send(_ context.Context, email, subject, _ string) error {
	obs.Info("notification suppressed", map[string]any{"to": email, "subject": subject})
	return nil
}

type job struct {
	email, subject, body string
}

// Async queues messages for a background worker so callers never wait on
// the relay. Failed sends are retried with exponential backoff, then logged.
type Async struct {
	next      Notifier
	queue     chan job
	wg        sync.WaitGroup
	retries   uint64
	retryBase time.Duration

	mu     sync.RWMutex
	closed bool
}

// AsyncOption configures Async.
type AsyncOption func(*Async)

// WithRetry sets how many extra attempts a failed send gets and the first
// backoff delay.
func WithRetry(retries uint64, base time.Duration) AsyncOption {
	return func(a *Async) {
		a.retries = retries
		if base > 0 {
			a.retryBase = base
		}
	}
}

// NewAsync starts workers draining a queue of the given size.
func NewAsync(next Notifier, size, workers int, opts ...AsyncOption) *Async {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 1
	}
	a := &Async{next: next, queue: make(chan job, size), retries: 2, retryBase: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(a)
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for j := range a.queue {
		backoff := retry.WithMaxRetries(a.retries, retry.NewExponential(a.retryBase))
		err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
			if err := a.next.Send(ctx, j.email, j.subject, j.body); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			obs.Warn("notification failed", map[string]any{"to": j.email, "subject": j.subject, "err": err})
		}
	}
}

// Send enqueues the message. It fails fast when the queue is full.
func (a *Async) Send(_ context.Context, email, subject, body string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- job{email: email, subject: subject, body: body}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
