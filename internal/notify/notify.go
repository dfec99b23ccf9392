// Package notify delivers account emails on a best-effort basis.
package notify

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names an account email template.
type Kind string

const (
	KindVerifyEmail   Kind = "verify_email"
	KindPasswordReset Kind = "password_reset"
)

// Message is one outgoing account email. Token is the raw one-time token.
type Message struct {
	Kind  Kind
	To    string
	Name  string
	Token string
}

// Notifier sends a single message.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// LogNotifier writes messages to the log instead of sending them. The action
// link is logged at Debug only, so production logs never carry tokens.
type LogNotifier struct {
	BaseURL string
	Log     *zap.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, m Message) error {
	log := n.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("account email", zap.String("kind", string(m.Kind)), zap.String("to", m.To))
	log.Debug("account email link", zap.String("kind", string(m.Kind)), zap.String("link", Link(n.BaseURL, m)))
	return nil
}

// Link builds the action URL a message points to.
func Link(baseURL string, m Message) string {
	path := "/verify-email"
	if m.Kind == KindPasswordReset {
		path = "/reset-password"
	}
	return baseURL + path + "?token=" + url.QueryEscape(m.Token)
}

// Dispatcher runs deliveries detached from the caller. Failures are logged and dropped.
type Dispatcher struct {
	n       Notifier
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher wraps n. A nil logger is replaced with a no-op one.
func NewDispatcher(n Notifier, log *zap.Logger, timeout time.Duration) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{n: n, log: log, timeout: timeout}
}

// Send starts delivery of m in the background and returns immediately.
func (d *Dispatcher) Send(m Message) {
	if d == nil || d.n == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.n.Notify(ctx, m); err != nil {
			d.log.Warn("account email failed", zap.String("kind", string(m.Kind)), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}
