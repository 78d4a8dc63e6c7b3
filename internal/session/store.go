package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/store"
)

// ErrNotFound is returned when the session document does not exist.
var ErrNotFound = errors.New("session: not found")

// Clock supplies authoritative time for join and countdown stamps.
type Clock interface {
	Now() time.Time
}

// Store reads and writes session documents in the shared store.
type Store struct {
	kv    store.KV
	clock Clock
}

// NewStore builds a session store over the shared KV.
func NewStore(kv store.KV, clock Clock) *Store {
	return &Store{kv: kv, clock: clock}
}

func sessionKey(sessionID string) string { return "sessions." + sessionID }

// Create writes the initial session document for the pair. It is a blind
// overwrite of a deterministically-named key: whichever client completes
// pairing first wins, and the slower client's write reasserts the same
// document, so creation needs no coordination.
func (st *Store) Create(ctx context.Context, idA, nameA, idB, nameB string) (*Session, error) {
	roles := DeriveRoles(idA, idB)
	now := st.clock.Now().UnixMilli()

	s := &Session{
		ID:           DeriveSessionID(idA, idB),
		Participants: make(map[string]Participant, 2),
		Roles:        roles,
		Countdown:    Countdown{Status: CountdownWaiting},
		Countdown2:   Countdown{Status: CountdownWaiting},
	}
	for id, name := range map[string]string{idA: nameA, idB: nameB} {
		if id == "" {
			continue
		}
		role, kind := roleFor(roles, id)
		s.Participants[id] = Participant{
			DisplayName:   name,
			Screen:        "lobby",
			JoinedAtMs:    now,
			Role:          role,
			CharacterKind: kind,
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := st.kv.Put(ctx, sessionKey(s.ID), data); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("role1", roles.Role1).
		Str("role2", roles.Role2).
		Msg("session created")
	return s, nil
}

// Get reads the current session document.
func (st *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	entry, err := st.kv.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(entry.Value)
}

// updateParticipant applies fn to the caller's own participant sub-document.
// No participant ever writes to its partner's sub-path, so the only write
// contention here is benign revision churn handled by the retry.
func (st *Store) updateParticipant(ctx context.Context, sessionID, participantID string, fn func(*Participant)) error {
	return store.TransactRetry(ctx, st.kv, sessionKey(sessionID), func(current []byte) ([]byte, bool, error) {
		if current == nil {
			return nil, false, ErrNotFound
		}
		s, err := decodeSession(current)
		if err != nil {
			return nil, false, err
		}
		p, ok := s.Participants[participantID]
		if !ok {
			return nil, false, fmt.Errorf("session: participant %s not in session %s", participantID, sessionID)
		}
		fn(&p)
		s.Participants[participantID] = p

		data, err := json.Marshal(s)
		return data, err == nil, err
	})
}

// MarkReady flips the caller's readiness flag.
func (st *Store) MarkReady(ctx context.Context, sessionID, participantID string) error {
	return st.updateParticipant(ctx, sessionID, participantID, func(p *Participant) {
		p.Ready = true
	})
}

// MarkConfirmed flips the caller's confirmation flag.
func (st *Store) MarkConfirmed(ctx context.Context, sessionID, participantID string) error {
	return st.updateParticipant(ctx, sessionID, participantID, func(p *Participant) {
		p.Confirmed = true
	})
}

// SetScreen records which screen the caller is on.
func (st *Store) SetScreen(ctx context.Context, sessionID, participantID, screen string) error {
	return st.updateParticipant(ctx, sessionID, participantID, func(p *Participant) {
		p.Screen = screen
	})
}

// SetPosture records the caller's durable posture symbol.
func (st *Store) SetPosture(ctx context.Context, sessionID, participantID, posture string) error {
	return st.updateParticipant(ctx, sessionID, participantID, func(p *Participant) {
		p.Posture = posture
	})
}

// StartCountdown activates the named phase with an authoritative start time.
// Both clients' milestone schedulers react identically to the resulting
// snapshot; a second writer just reasserts the same phase state.
func (st *Store) StartCountdown(ctx context.Context, sessionID string, phase Phase, duration time.Duration) error {
	return st.setCountdown(ctx, sessionID, phase, func(cd *Countdown) {
		start := st.clock.Now().UnixMilli()
		cd.StartTimeMs = &start
		cd.DurationMs = duration.Milliseconds()
		cd.Status = CountdownActive
	})
}

// FinishCountdown marks the named phase finished.
func (st *Store) FinishCountdown(ctx context.Context, sessionID string, phase Phase) error {
	return st.setCountdown(ctx, sessionID, phase, func(cd *Countdown) {
		cd.Status = CountdownFinished
	})
}

func (st *Store) setCountdown(ctx context.Context, sessionID string, phase Phase, fn func(*Countdown)) error {
	return store.TransactRetry(ctx, st.kv, sessionKey(sessionID), func(current []byte) ([]byte, bool, error) {
		if current == nil {
			return nil, false, ErrNotFound
		}
		s, err := decodeSession(current)
		if err != nil {
			return nil, false, err
		}
		fn(phaseOf(s, phase))

		data, err := json.Marshal(s)
		return data, err == nil, err
	})
}

// Watcher delivers decoded session snapshots. Stop is idempotent and
// suppresses any in-flight delivery after teardown.
type Watcher struct {
	inner   store.Watcher
	updates chan *Session

	mu      sync.Mutex
	stopped bool
}

// Watch subscribes to the whole session subtree: every change fires,
// including the partner's writes. This is how a client discovers its role
// assignment, the partner's readiness, and countdown transitions.
func (st *Store) Watch(ctx context.Context, sessionID string) (*Watcher, error) {
	inner, err := st.kv.Watch(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		inner:   inner,
		updates: make(chan *Session, 16),
	}
	go w.pump()
	return w, nil
}

func (w *Watcher) pump() {
	defer close(w.updates)
	for entry := range w.inner.Updates() {
		if entry.Deleted {
			continue
		}
		s, err := decodeSession(entry.Value)
		if err != nil {
			log.Error().Err(err).Str("key", entry.Key).Msg("corrupt session snapshot, skipping")
			continue
		}

		w.mu.Lock()
		stopped := w.stopped
		if !stopped {
			select {
			case w.updates <- s:
			default:
				log.Warn().Str("session_id", s.ID).Msg("session watcher buffer full, dropping snapshot")
			}
		}
		w.mu.Unlock()
		if stopped {
			return
		}
	}
}

// Updates returns the snapshot channel; it closes after Stop.
func (w *Watcher) Updates() <-chan *Session { return w.updates }

// Stop tears the subscription down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.inner.Stop()
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
