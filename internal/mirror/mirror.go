// Package mirror propagates transient per-frame state (button presses, body
// posture) between exactly two peers over the low-latency broadcast channel.
// Messages are fire-and-forget: no acknowledgement, no ordering guarantee,
// no replay. Posture mirrors are idempotent state, so last-delivered-wins.
package mirror

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/session"
)

// Kind is the message family on the ephemeral channel.
type Kind string

const (
	KindButton   Kind = "button"
	KindPostureA Kind = "postureKindA"
	KindPostureB Kind = "postureKindB"
)

// Payload is the sender-identifying body of every mirror message.
type Payload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Payload     string `json:"payload"`
	TimestampMs int64  `json:"timestamp"`
}

// Envelope is the wire format on the sync channel.
type Envelope struct {
	Type Kind    `json:"type"`
	Data Payload `json:"data"`
}

// Conn is the slice of *nats.Conn the mirror uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Clock stamps outgoing messages; *clocksync.Sync satisfies it.
type Clock interface {
	Now() time.Time
}

// SubjectFor names the pair's sync channel. Both peers compute the same name
// from the sorted identifiers with no negotiation.
func SubjectFor(a, b string) string {
	lo, hi := session.SortPair(a, b)
	return fmt.Sprintf("sync-%s-%s", lo, hi)
}

// VoiceSubjectFor names the external call collaborator's channel; it uses
// shortened identifiers like the session id does.
func VoiceSubjectFor(a, b string) string {
	lo, hi := session.SortPair(a, b)
	return fmt.Sprintf("voice-%s-%s", session.IDPrefix(lo), session.IDPrefix(hi))
}

// Handler consumes one received envelope. Delivery is at most once per
// receipt and never includes the local participant's own messages.
type Handler func(Envelope)

// Mirror is one peer's endpoint on the pair channel.
type Mirror struct {
	conn        Conn
	clock       Clock
	subject     string
	localID     string
	displayName string

	mu      sync.Mutex
	sub     *nats.Subscription
	stopped bool
}

// New builds the mirror for the local participant and its partner.
func New(conn Conn, clock Clock, localID, displayName, partnerID string) *Mirror {
	return &Mirror{
		conn:        conn,
		clock:       clock,
		subject:     SubjectFor(localID, partnerID),
		localID:     localID,
		displayName: displayName,
	}
}

// Subject returns the pair channel name.
func (m *Mirror) Subject() string { return m.subject }

// Send publishes one message. Failures are logged and dropped; the next
// posture frame supersedes a lost one, so there is no retry.
func (m *Mirror) Send(kind Kind, payload string) error {
	env := Envelope{
		Type: kind,
		Data: Payload{
			UserID:      m.localID,
			DisplayName: m.displayName,
			Payload:     payload,
			TimestampMs: m.clock.Now().UnixMilli(),
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal mirror message: %w", err)
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		log.Warn().Err(err).Str("subject", m.subject).Str("kind", string(kind)).Msg("mirror send failed, dropping")
		return err
	}
	return nil
}

// Start subscribes the handler to the pair channel. Self-sent messages are
// filtered out; everything else is forwarded unconditionally.
func (m *Mirror) Start(handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return fmt.Errorf("mirror: already started")
	}

	sub, err := m.conn.Subscribe(m.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Str("subject", m.subject).Msg("malformed mirror message, dropping")
			return
		}
		if env.Data.UserID == m.localID {
			return // self-echo suppression
		}
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.subject, err)
	}
	m.sub = sub

	log.Info().Str("subject", m.subject).Msg("peer mirror started")
	return nil
}

// Stop tears down the subscription. Idempotent; no handler runs after it.
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", m.subject).Msg("mirror unsubscribe")
		}
		m.sub = nil
	}
}
