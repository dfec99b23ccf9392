package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recorder) Notify(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func TestDispatcher_DeliversAndSwallowsErrors(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	rec := &recorder{err: errors.New("smtp down")}
	d := NewDispatcher(rec, zap.New(core), 0)

	d.Send(Message{Kind: KindVerifyEmail, To: "a@b.com", Token: "t"})
	d.Wait()

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "a@b.com", rec.msgs[0].To)
	assert.Equal(t, 1, logs.FilterMessage("account email failed").Len())
}

func TestDispatcher_NilSafe(t *testing.T) {
	t.Parallel()
	var d *Dispatcher
	d.Send(Message{})
	d.Wait()
}

func TestLink(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "http://x/verify-email?token=a%2Bb", Link("http://x", Message{Kind: KindVerifyEmail, Token: "a+b"}))
	assert.Equal(t, "http://x/reset-password?token=t", Link("http://x", Message{Kind: KindPasswordReset, Token: "t"}))
}

func TestLogNotifier_NeverLogsTokenAtInfo(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	n := LogNotifier{BaseURL: "http://x", Log: zap.New(core)}
	require.NoError(t, n.Notify(context.Background(), Message{Kind: KindPasswordReset, To: "a@b.com", Token: "secret-token"}))

	for _, e := range logs.All() {
		for _, f := range e.Context {
			assert.NotContains(t, f.String, "secret-token")
		}
	}
}
