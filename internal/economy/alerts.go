package economy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
	"otterchat.org/internal/store"
)

const (
	DefaultGatingItem = "megaphone"
	DefaultDailyCap   = 2
)

// Notifier delivers out-of-band messages.
type Notifier interface {
	Send(ctx context.Context, email, subject, body string) error
}

// Alerts relays alert messages to an account's e-mail and live session.
// Each sender may send a capped number of alerts per reset interval.
type Alerts struct {
	ledger   *Ledger
	accounts store.AccountStore
	registry *session.Registry
	notifier Notifier

	gatingItem string
	dailyCap   int
	exempt     string

	mu     sync.Mutex
	counts map[string]int
}

// AlertOption configures Alerts.
type AlertOption func(*Alerts)

func WithGatingItem(item string) AlertOption {
	return func(a *Alerts) {
		if item = strings.TrimSpace(item); item != "" {
			a.gatingItem = item
		}
	}
}

func WithDailyCap(n int) AlertOption {
	return func(a *Alerts) {
		if n > 0 {
			a.dailyCap = n
		}
	}
}

// WithExemptOperator lets one identity bypass the cap.
func WithExemptOperator(username string) AlertOption {
	return func(a *Alerts) { a.exempt = strings.TrimSpace(username) }
}

func WithAlertNotifier(n Notifier) AlertOption {
	return func(a *Alerts) { a.notifier = n }
}

func NewAlerts(ledger *Ledger, accounts store.AccountStore, registry *session.Registry, opts ...AlertOption) *Alerts {
	a := &Alerts{
		ledger:     ledger,
		accounts:   accounts,
		registry:   registry,
		gatingItem: DefaultGatingItem,
		dailyCap:   DefaultDailyCap,
		counts:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SendAlert relays message from sender to target.
func (a *Alerts) SendAlert(ctx context.Context, sender, target, message string) error {
	if !a.ledger.Owns(ctx, sender, a.gatingItem) {
		obs.IncAlert("item_required")
		return fmt.Errorf("alert needs %q: %w", a.gatingItem, common.ErrItemRequired)
	}
	acc, err := a.accounts.AccountByName(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("alert target %s: %w", target, common.ErrNotFound)
		}
		return fmt.Errorf("alert target %s: %w", target, err)
	}
	if !a.take(sender) {
		obs.IncAlert("rate_limited")
		return common.ErrRateLimited
	}

	if a.notifier != nil {
		subject := fmt.Sprintf("Alert from %s", sender)
		if err := a.notifier.Send(ctx, acc.Email, subject, message); err != nil {
			obs.Warn("alert e-mail failed", map[string]any{"sender": sender, "target": acc.Username, "err": err})
		}
	}
	ev := event.Outbound{Type: event.TypeAlert, Sender: sender, Recipient: acc.Username, Message: message}
	if _, err := a.registry.Send(acc.Username, ev); err != nil {
		obs.Warn("alert not delivered in app", map[string]any{"target": acc.Username, "err": err})
	}
	obs.IncAlert("sent")
	return nil
}

// take counts one alert for sender and reports whether it is within the cap.
func (a *Alerts) take(sender string) bool {
	if a.exempt != "" && sender == a.exempt {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[sender]++
	return a.counts[sender] <= a.dailyCap
}

// Count returns sender's alerts in the current window.
func (a *Alerts) Count(sender string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[sender]
}

// Reset clears every counter.
func (a *Alerts) Reset() {
	a.mu.Lock()
	a.counts = make(map[string]int)
	a.mu.Unlock()
}

// StartReset clears the counters at the provided interval until the returned
// stop function is called. Calling stop more than once is safe.
func (a *Alerts) StartReset(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Reset()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
