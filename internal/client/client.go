// Package client runs the per-participant state machine that wires pairing,
// session state, countdown milestones, and peer mirroring together:
// idle -> searching -> matched -> preparing -> in-session. Components talk
// through emitted events and store snapshots, never shared mutable fields.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/countdown"
	"github.com/tandemlab/tandem/internal/gesture"
	"github.com/tandemlab/tandem/internal/matching"
	"github.com/tandemlab/tandem/internal/mirror"
	"github.com/tandemlab/tandem/internal/presence"
	"github.com/tandemlab/tandem/internal/session"
	"github.com/tandemlab/tandem/internal/store"
)

// State is the participant lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateMatched   State = "matched"
	StatePreparing State = "preparing"
	StateInSession State = "in-session"
)

// Clock is the offset-adjusted time source; *clocksync.Sync satisfies it.
type Clock interface {
	Now() time.Time
}

// Config bundles the per-client gameplay parameters.
type Config struct {
	ParticipantID      string
	DisplayName        string
	CountdownDuration  time.Duration
	Countdown2Duration time.Duration
	Milestones         []int
	Milestones2        []int
	TickInterval       time.Duration
}

// DefaultConfig returns the standard session timing.
func DefaultConfig() Config {
	return Config{
		CountdownDuration:  time.Minute,
		Countdown2Duration: 30 * time.Second,
		Milestones:         []int{50, 40, 30, 20, 10, 3},
		Milestones2:        []int{20, 10, 3},
		TickInterval:       100 * time.Millisecond,
	}
}

// EventKind discriminates client events.
type EventKind string

const (
	EventStateChanged   EventKind = "stateChanged"
	EventMatched        EventKind = "matched"
	EventSessionUpdated EventKind = "sessionUpdated"
	EventMilestone      EventKind = "milestone"
	EventPeerMessage    EventKind = "peerMessage"
)

// Event is one notification to the embedding application. Exactly one of the
// pointer fields is set, according to Kind.
type Event struct {
	Kind      EventKind
	State     State
	Match     *matching.Match
	Session   *session.Session
	Milestone *countdown.Event
	Peer      *mirror.Envelope
}

// Client is one participant's coordination process.
type Client struct {
	cfg   Config
	kv    store.KV
	conn  mirror.Conn
	ticks clockwork.Clock
	clock Clock

	registry *presence.Registry
	pairing  *matching.Service
	sessions *session.Store

	events chan Event

	mu          sync.Mutex
	state       State
	sessionID   string
	partnerID   string
	ownKind     session.CharacterKind
	peerMirror  *mirror.Mirror
	lastPosture gesture.Posture
	started     bool // primary countdown write issued by this client
}

// New wires a client over the shared store and broadcast connection. ticks
// drives local scheduling; clock is the offset-adjusted time source.
func New(kv store.KV, conn mirror.Conn, ticks clockwork.Clock, clock Clock, cfg Config) *Client {
	if ticks == nil {
		ticks = clockwork.NewRealClock()
	}
	c := &Client{
		cfg:    cfg,
		kv:     kv,
		conn:   conn,
		ticks:  ticks,
		clock:  clock,
		events: make(chan Event, 32),
		state:  StateIdle,
	}
	c.registry = presence.New(kv, cfg.ParticipantID, cfg.DisplayName, clock)
	c.pairing = matching.New(kv, c.registry, clock, cfg.ParticipantID, cfg.DisplayName)
	c.sessions = session.NewStore(kv, clock)
	return c
}

// Events returns the notification channel for the embedding application.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the derived session identity, empty before matching.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close runs disconnect cleanup. Safe to call more than once.
func (c *Client) Close(ctx context.Context) {
	c.registry.Close(ctx)
}

// Run drives the whole lifecycle until ctx ends. It returns after session
// teardown or on the first unrecoverable store error.
func (c *Client) Run(ctx context.Context) error {
	if err := c.registry.Register(ctx); err != nil {
		return err
	}

	c.setState(ctx, StateSearching, "matchmaking")
	if err := c.pairing.Enqueue(ctx); err != nil {
		return err
	}
	match, err := c.pairing.Run(ctx)
	if err != nil {
		return err
	}
	c.onMatched(ctx, match)

	if _, err := c.sessions.Create(ctx, c.cfg.ParticipantID, c.cfg.DisplayName, match.PartnerID, match.PartnerName); err != nil {
		return err
	}

	m := mirror.New(c.conn, c.clock, c.cfg.ParticipantID, c.cfg.DisplayName, match.PartnerID)
	if err := m.Start(c.onPeer); err != nil {
		return err
	}
	defer m.Stop()
	c.mu.Lock()
	c.peerMirror = m
	c.mu.Unlock()

	watcher, err := c.sessions.Watch(ctx, c.SessionID())
	if err != nil {
		return err
	}
	defer watcher.Stop()

	primary := countdown.New(countdown.Config{
		Phase:        session.PhasePrimary,
		Thresholds:   c.cfg.Milestones,
		TickInterval: c.cfg.TickInterval,
	}, c.ticks, c.clock)
	secondary := countdown.New(countdown.Config{
		Phase:        session.PhaseSecondary,
		Thresholds:   c.cfg.Milestones2,
		TickInterval: c.cfg.TickInterval,
	}, c.ticks, c.clock)
	defer primary.Stop()
	defer secondary.Stop()

	c.setState(ctx, StatePreparing, "preparation")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-watcher.Updates():
			if !ok {
				return fmt.Errorf("client: session watch closed")
			}
			c.onSnapshot(ctx, s, primary, secondary)
		case e := <-primary.Events():
			c.onMilestone(ctx, e)
		case e := <-secondary.Events():
			c.onMilestone(ctx, e)
		}
	}
}

func (c *Client) onMatched(ctx context.Context, match matching.Match) {
	sid := session.DeriveSessionID(c.cfg.ParticipantID, match.PartnerID)
	roles := session.DeriveRoles(c.cfg.ParticipantID, match.PartnerID)

	c.mu.Lock()
	c.partnerID = match.PartnerID
	c.sessionID = sid
	c.ownKind = session.KindA
	if roles.Role2 == c.cfg.ParticipantID {
		c.ownKind = session.KindB
	}
	c.mu.Unlock()

	c.setState(ctx, StateMatched, "matchmaking")
	c.emit(Event{Kind: EventMatched, Match: &match})

	log.Info().
		Str("session_id", sid).
		Str("partner_id", match.PartnerID).
		Str("character_kind", string(c.ownKind)).
		Msg("match handed off to session")
}

// onSnapshot reacts to one session snapshot: feeds both schedulers, starts
// the primary countdown when both participants are ready, and advances the
// lifecycle state. Shared state is read fresh from the snapshot every time,
// never cached across ticks.
func (c *Client) onSnapshot(ctx context.Context, s *session.Session, primary, secondary *countdown.Scheduler) {
	c.emit(Event{Kind: EventSessionUpdated, Session: s})

	primary.Observe(s.Countdown)
	secondary.Observe(s.Countdown2)

	if c.isCountdownInitiator(s) && bothReady(s) && s.Countdown.Status == session.CountdownWaiting {
		c.mu.Lock()
		started := c.started
		c.started = true
		c.mu.Unlock()
		if !started {
			if err := c.sessions.StartCountdown(ctx, s.ID, session.PhasePrimary, c.cfg.CountdownDuration); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("countdown start failed")
				c.mu.Lock()
				c.started = false
				c.mu.Unlock()
			}
		}
	}

	if s.Countdown.Status == session.CountdownActive && c.State() == StatePreparing {
		c.setState(ctx, StateInSession, "session")
	}
}

func (c *Client) onMilestone(ctx context.Context, e countdown.Event) {
	c.emit(Event{Kind: EventMilestone, Milestone: &e})

	// The initiator also settles the shared phase status once the local
	// timeline reaches zero; the partner observes the same transition.
	if e.Kind == countdown.KindFinished && c.isInitiatorID() {
		if err := c.sessions.FinishCountdown(ctx, c.SessionID(), e.Phase); err != nil {
			log.Warn().Err(err).Str("phase", string(e.Phase)).Msg("countdown finish write failed")
		}
	}
}

func (c *Client) onPeer(env mirror.Envelope) {
	e := env
	c.emit(Event{Kind: EventPeerMessage, Peer: &e})
}

// MarkReady publishes the local participant's readiness.
func (c *Client) MarkReady(ctx context.Context) error {
	return c.sessions.MarkReady(ctx, c.SessionID(), c.cfg.ParticipantID)
}

// MarkConfirmed publishes the local participant's confirmation.
func (c *Client) MarkConfirmed(ctx context.Context) error {
	return c.sessions.MarkConfirmed(ctx, c.SessionID(), c.cfg.ParticipantID)
}

// StartSecondPhase activates the independent second countdown.
func (c *Client) StartSecondPhase(ctx context.Context) error {
	return c.sessions.StartCountdown(ctx, c.SessionID(), session.PhaseSecondary, c.cfg.Countdown2Duration)
}

// SendButtonPress mirrors a transient button press to the partner.
func (c *Client) SendButtonPress() error {
	c.mu.Lock()
	m := c.peerMirror
	c.mu.Unlock()
	if m == nil {
		return fmt.Errorf("client: no active session")
	}
	return m.Send(mirror.KindButton, "press")
}

// HandleGesture consumes one bridge reading per frame. Invisible landmarks
// suspend posture signaling; a changed posture is written durably to the
// session document and mirrored ephemerally to the partner.
func (c *Client) HandleGesture(ctx context.Context, r gesture.Reading) {
	if !r.AllLandmarksVisible || r.Posture == gesture.PostureUnknown {
		return
	}

	c.mu.Lock()
	sid := c.sessionID
	m := c.peerMirror
	changed := sid != "" && r.Posture != c.lastPosture
	if changed {
		c.lastPosture = r.Posture
	}
	kind := mirror.KindPostureA
	if c.ownKind == session.KindB {
		kind = mirror.KindPostureB
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	if err := c.sessions.SetPosture(ctx, sid, c.cfg.ParticipantID, string(r.Posture)); err != nil {
		log.Warn().Err(err).Msg("durable posture write failed")
	}
	if m != nil {
		_ = m.Send(kind, string(r.Posture)) // dropped on failure, next frame supersedes
	}
}

// isCountdownInitiator: role 1 carries the countdown write responsibility.
// The write itself is idempotent, so a duplicate writer is harmless; the
// deterministic choice just avoids needless churn.
func (c *Client) isCountdownInitiator(s *session.Session) bool {
	return s.Roles.Role1 == c.cfg.ParticipantID
}

func (c *Client) isInitiatorID() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	lo, _ := session.SortPair(c.cfg.ParticipantID, c.partnerID)
	return lo == c.cfg.ParticipantID
}

func bothReady(s *session.Session) bool {
	if len(s.Participants) < 2 {
		return false
	}
	for _, p := range s.Participants {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (c *Client) setState(ctx context.Context, state State, screen string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	status := map[State]presence.Status{
		StateIdle:      presence.StatusIdle,
		StateSearching: presence.StatusSearching,
		StateMatched:   presence.StatusMatched,
		StatePreparing: presence.StatusPreparing,
		StateInSession: presence.StatusInSession,
	}[state]
	if err := c.registry.SetStatus(ctx, status, screen); err != nil {
		log.Warn().Err(err).Str("state", string(state)).Msg("status publish failed")
	}

	c.emit(Event{Kind: EventStateChanged, State: state})
	log.Info().Str("state", string(state)).Msg("lifecycle transition")
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		log.Warn().Str("kind", string(e.Kind)).Msg("client event buffer full, dropping")
	}
}
