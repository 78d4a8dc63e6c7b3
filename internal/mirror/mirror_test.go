package mirror

import (
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-process Conn delivering publishes synchronously to every
// subscriber on the subject, the way core pub/sub fans out.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]nats.MsgHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]nats.MsgHandler)}
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	handlers := append([]nats.MsgHandler(nil), b.subs[subject]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (b *fakeBus) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], cb)
	return &nats.Subscription{}, nil
}

func TestSubjectForIsOrderIndependent(t *testing.T) {
	assert.Equal(t, SubjectFor("beta", "alpha"), SubjectFor("alpha", "beta"))
	assert.Equal(t, "sync-alpha-beta", SubjectFor("beta", "alpha"))
}

func TestVoiceSubjectUsesPrefixes(t *testing.T) {
	got := VoiceSubjectFor("beta-8765-4321", "alpha-1234-5678")
	assert.Equal(t, "voice-alpha-12-beta-876", got)
}

func TestSelfMessagesAreNeverDelivered(t *testing.T) {
	bus := newFakeBus()
	clock := clockwork.NewFakeClock()

	a := New(bus, clock, "alpha", "Ada", "beta")
	b := New(bus, clock, "beta", "Bob", "alpha")

	var gotA, gotB []Envelope
	require.NoError(t, a.Start(func(e Envelope) { gotA = append(gotA, e) }))
	require.NoError(t, b.Start(func(e Envelope) { gotB = append(gotB, e) }))

	require.NoError(t, a.Send(KindPostureA, "down"))
	require.NoError(t, b.Send(KindButton, "press"))

	require.Len(t, gotA, 1)
	assert.Equal(t, KindButton, gotA[0].Type)
	assert.Equal(t, "beta", gotA[0].Data.UserID)
	assert.Equal(t, "Bob", gotA[0].Data.DisplayName)

	require.Len(t, gotB, 1)
	assert.Equal(t, KindPostureA, gotB[0].Type)
	assert.Equal(t, "down", gotB[0].Data.Payload)
}

func TestNoDeliveryAfterStop(t *testing.T) {
	bus := newFakeBus()
	clock := clockwork.NewFakeClock()

	a := New(bus, clock, "alpha", "Ada", "beta")
	b := New(bus, clock, "beta", "Bob", "alpha")

	var got []Envelope
	require.NoError(t, a.Start(func(e Envelope) { got = append(got, e) }))
	a.Stop()
	a.Stop() // idempotent

	require.NoError(t, b.Send(KindPostureB, "up"))
	assert.Empty(t, got)
}

func TestStartTwiceFails(t *testing.T) {
	bus := newFakeBus()
	a := New(bus, clockwork.NewFakeClock(), "alpha", "Ada", "beta")

	require.NoError(t, a.Start(func(Envelope) {}))
	assert.Error(t, a.Start(func(Envelope) {}))
}
