// Package presence tracks which participants are online and what they are
// doing, and owns the disconnect-hook mechanism: every write a client makes
// to a registered path is paired with a cleanup hook installed up front.
// Hooks are the only way a vanished participant's state self-heals; there
// is no heartbeat or timeout layer.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/store"
)

// Status is the participant lifecycle state published to the store.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
	StatusPreparing Status = "preparing"
	StatusInSession Status = "in-session"
)

// Clock supplies authoritative time for lastSeen/lastUpdated stamps.
// *clocksync.Sync satisfies it.
type Clock interface {
	Now() time.Time
}

// Record is the durable presence document at presence.<participantID>.
type Record struct {
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	LastSeenMs  int64  `json:"lastSeen"`
}

// StatusRecord is the document at userstatus.<participantID>.
type StatusRecord struct {
	Status        Status `json:"status"`
	CurrentScreen string `json:"currentScreen"`
	LastUpdatedMs int64  `json:"lastUpdated"`
}

// Hook is a cleanup action run when the participant disconnects.
type Hook func(ctx context.Context)

// HookHandle identifies an installed hook so it can be removed once the
// state it guards has been handed off.
type HookHandle uuid.UUID

// Registry manages one participant's presence records and disconnect hooks.
type Registry struct {
	kv            store.KV
	clock         Clock
	participantID string
	displayName   string

	mu     sync.Mutex
	hooks  map[HookHandle]Hook
	order  []HookHandle
	closed bool
}

// New builds a Registry for the local participant.
func New(kv store.KV, participantID, displayName string, clock Clock) *Registry {
	return &Registry{
		kv:            kv,
		clock:         clock,
		participantID: participantID,
		displayName:   displayName,
		hooks:         make(map[HookHandle]Hook),
	}
}

func (r *Registry) presenceKey() string { return "presence." + r.participantID }
func (r *Registry) statusKey() string   { return "userstatus." + r.participantID }

// Register writes the online presence record and installs the hook that
// flips it to offline on disconnect.
func (r *Registry) Register(ctx context.Context) error {
	if err := r.writePresence(ctx, true); err != nil {
		return err
	}

	r.OnDisconnect(func(ctx context.Context) {
		if err := r.writePresence(ctx, false); err != nil {
			log.Error().Err(err).Str("participant_id", r.participantID).Msg("presence offline write failed")
		}
	})

	log.Info().
		Str("participant_id", r.participantID).
		Str("display_name", r.displayName).
		Msg("participant registered")
	return nil
}

func (r *Registry) writePresence(ctx context.Context, online bool) error {
	data, err := json.Marshal(Record{
		DisplayName: r.displayName,
		Online:      online,
		LastSeenMs:  r.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	if _, err := r.kv.Put(ctx, r.presenceKey(), data); err != nil {
		return fmt.Errorf("write presence record: %w", err)
	}
	return nil
}

// SetStatus publishes the participant's lifecycle status and current screen.
func (r *Registry) SetStatus(ctx context.Context, status Status, screen string) error {
	data, err := json.Marshal(StatusRecord{
		Status:        status,
		CurrentScreen: screen,
		LastUpdatedMs: r.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	if _, err := r.kv.Put(ctx, r.statusKey(), data); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}

	log.Debug().
		Str("participant_id", r.participantID).
		Str("status", string(status)).
		Str("screen", screen).
		Msg("status updated")
	return nil
}

// OnDisconnect installs a cleanup hook. Hooks run in installation order
// exactly once, on Close.
func (r *Registry) OnDisconnect(h Hook) HookHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle := HookHandle(uuid.New())
	r.hooks[handle] = h
	r.order = append(r.order, handle)
	return handle
}

// RemoveHook detaches a hook whose cleanup responsibility has been handed
// off (e.g. a queue entry removed after a successful match).
func (r *Registry) RemoveHook(handle HookHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, handle)
}

// Close runs all installed hooks exactly once. It is safe to call from both
// the shutdown path and the connection-closed callback.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	hooks := make([]Hook, 0, len(r.order))
	for _, handle := range r.order {
		if h, ok := r.hooks[handle]; ok {
			hooks = append(hooks, h)
		}
	}
	r.hooks = nil
	r.mu.Unlock()

	for _, h := range hooks {
		h(ctx)
	}
	log.Info().
		Str("participant_id", r.participantID).
		Int("hooks", len(hooks)).
		Msg("disconnect hooks ran")
}
