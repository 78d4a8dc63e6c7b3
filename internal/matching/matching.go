// Package matching pairs waiting participants into sessions. The whole
// waiting queue lives in a single store document so the pairing decision can
// be a true read-verify-write transaction: no two concurrent initiators can
// match the same participant into two different pairs.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/presence"
	"github.com/tandemlab/tandem/internal/store"
)

// QueueKey is the store key holding the waiting-queue document.
const QueueKey = "matching"

// Status of one queue entry.
type Status string

const (
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
)

// ErrAlreadyQueued is returned by Enqueue when the participant already has a
// queue entry; at most one entry per participant may exist.
var ErrAlreadyQueued = errors.New("matching: participant already queued")

var errNoEntry = errors.New("matching: no queue entry")

// Entry is one searching participant in the queue document.
type Entry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Status        Status `json:"status"`
	EnqueuedAtMs  int64  `json:"enqueuedAt"`
	Partner       string `json:"partner,omitempty"`
	MatchedAtMs   int64  `json:"matchedAt,omitempty"`
}

// Queue maps participant id to entry.
type Queue map[string]Entry

// Match is the pairing outcome handed to the session layer.
type Match struct {
	PartnerID   string
	PartnerName string
	MatchedAtMs int64
}

// Clock supplies authoritative time for enqueue and match stamps.
type Clock interface {
	Now() time.Time
}

// Hooks is what the service needs from the presence registry to keep queue
// entries self-healing on disconnect.
type Hooks interface {
	OnDisconnect(presence.Hook) presence.HookHandle
	RemoveHook(presence.HookHandle)
}

// Service runs the pairing state machine for one participant:
// idle -> searching -> matched.
type Service struct {
	kv            store.KV
	hooks         Hooks
	clock         Clock
	participantID string
	displayName   string

	hookHandle presence.HookHandle
	hookSet    bool
}

// New builds a pairing service for the local participant.
func New(kv store.KV, hooks Hooks, clock Clock, participantID, displayName string) *Service {
	return &Service{
		kv:            kv,
		hooks:         hooks,
		clock:         clock,
		participantID: participantID,
		displayName:   displayName,
	}
}

// Enqueue inserts the participant's queue entry with status searching and an
// authoritative enqueue timestamp, and installs the disconnect hook that
// removes the entry again.
func (s *Service) Enqueue(ctx context.Context) error {
	err := store.TransactRetry(ctx, s.kv, QueueKey, func(current []byte) ([]byte, bool, error) {
		q, err := decodeQueue(current)
		if err != nil {
			return nil, false, err
		}
		if _, ok := q[s.participantID]; ok {
			return nil, false, ErrAlreadyQueued
		}
		q[s.participantID] = Entry{
			ParticipantID: s.participantID,
			DisplayName:   s.displayName,
			Status:        StatusSearching,
			EnqueuedAtMs:  s.clock.Now().UnixMilli(),
		}
		data, err := encodeQueue(q)
		return data, err == nil, err
	})
	if err != nil {
		return err
	}

	s.hookHandle = s.hooks.OnDisconnect(func(ctx context.Context) {
		if err := s.removeEntry(ctx); err != nil {
			log.Error().Err(err).Str("participant_id", s.participantID).Msg("queue cleanup failed")
		}
	})
	s.hookSet = true

	log.Info().Str("participant_id", s.participantID).Msg("enqueued for pairing")
	return nil
}

// Leave withdraws the participant from the queue.
func (s *Service) Leave(ctx context.Context) error {
	s.detachHook()
	return s.removeEntry(ctx)
}

// Run watches the queue until the local participant is matched, initiating
// the pairing transaction whenever the rank rule makes it responsible. The
// watcher is torn down exactly once, on return.
func (s *Service) Run(ctx context.Context) (Match, error) {
	watcher, err := s.kv.Watch(ctx, QueueKey)
	if err != nil {
		return Match{}, err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return Match{}, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return Match{}, errors.New("matching: queue watch closed")
			}
			if entry.Deleted {
				continue
			}
			q, err := decodeQueue(entry.Value)
			if err != nil {
				log.Error().Err(err).Msg("corrupt queue snapshot, skipping")
				continue
			}

			own, ok := q[s.participantID]
			if !ok {
				// Entry not visible yet, or removed by cleanup.
				continue
			}
			if own.Status == StatusMatched {
				match := Match{
					PartnerID:   own.Partner,
					MatchedAtMs: own.MatchedAtMs,
				}
				if partner, ok := q[own.Partner]; ok {
					match.PartnerName = partner.DisplayName
				}
				s.finish(ctx)
				log.Info().
					Str("participant_id", s.participantID).
					Str("partner_id", match.PartnerID).
					Msg("matched")
				return match, nil
			}

			s.tryInitiate(ctx, q)
		}
	}
}

// tryInitiate applies the even/odd rank rule: the participant at an even
// rank in the (enqueuedAt, id) order initiates for the pair (i, i+1). A
// failed or contended transaction is a silent abort; the next snapshot of
// any still-searching client retries naturally.
func (s *Service) tryInitiate(ctx context.Context, q Queue) {
	order := searchingOrder(q)
	i := rankOf(order, s.participantID)
	if i < 0 || i%2 != 0 || i+1 >= len(order) {
		return
	}
	partnerID := order[i+1].ParticipantID

	applied, err := s.pair(ctx, partnerID)
	if err != nil {
		log.Error().Err(err).Str("partner_id", partnerID).Msg("pairing transaction failed")
		return
	}
	if !applied {
		log.Debug().Str("partner_id", partnerID).Msg("pairing transaction aborted, will retry on next snapshot")
	}
}

// pair is the single atomic decision in the system: re-read the queue,
// verify both entries are still searching, and mark both matched with
// symmetric partner references and a shared timestamp.
func (s *Service) pair(ctx context.Context, partnerID string) (bool, error) {
	return store.Transact(ctx, s.kv, QueueKey, func(current []byte) ([]byte, bool, error) {
		q, err := decodeQueue(current)
		if err != nil {
			return nil, false, err
		}
		me, okMe := q[s.participantID]
		them, okThem := q[partnerID]
		if !okMe || !okThem || me.Status != StatusSearching || them.Status != StatusSearching {
			return nil, false, nil
		}

		now := s.clock.Now().UnixMilli()
		me.Status, them.Status = StatusMatched, StatusMatched
		me.Partner, them.Partner = partnerID, s.participantID
		me.MatchedAtMs, them.MatchedAtMs = now, now
		q[s.participantID] = me
		q[partnerID] = them

		data, err := encodeQueue(q)
		return data, err == nil, err
	})
}

// finish removes the matched entry after handoff and detaches the cleanup
// hook; the session document owns the participant's state from here on.
func (s *Service) finish(ctx context.Context) {
	s.detachHook()
	if err := s.removeEntry(ctx); err != nil {
		log.Warn().Err(err).Str("participant_id", s.participantID).Msg("post-match queue cleanup failed")
	}
}

func (s *Service) detachHook() {
	if s.hookSet {
		s.hooks.RemoveHook(s.hookHandle)
		s.hookSet = false
	}
}

func (s *Service) removeEntry(ctx context.Context) error {
	err := store.TransactRetry(ctx, s.kv, QueueKey, func(current []byte) ([]byte, bool, error) {
		q, err := decodeQueue(current)
		if err != nil {
			return nil, false, err
		}
		if _, ok := q[s.participantID]; !ok {
			return nil, false, errNoEntry
		}
		delete(q, s.participantID)
		data, err := encodeQueue(q)
		return data, err == nil, err
	})
	if errors.Is(err, errNoEntry) {
		return nil
	}
	return err
}

// searchingOrder returns the still-searching entries sorted by enqueue
// timestamp with the participant id as tie-break, a total order immune to
// clock-skew ties.
func searchingOrder(q Queue) []Entry {
	order := make([]Entry, 0, len(q))
	for _, e := range q {
		if e.Status == StatusSearching {
			order = append(order, e)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].EnqueuedAtMs != order[j].EnqueuedAtMs {
			return order[i].EnqueuedAtMs < order[j].EnqueuedAtMs
		}
		return order[i].ParticipantID < order[j].ParticipantID
	})
	return order
}

func rankOf(order []Entry, participantID string) int {
	for i, e := range order {
		if e.ParticipantID == participantID {
			return i
		}
	}
	return -1
}

func decodeQueue(data []byte) (Queue, error) {
	if len(data) == 0 {
		return Queue{}, nil
	}
	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return q, nil
}

func encodeQueue(q Queue) ([]byte, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}
	return data, nil
}
