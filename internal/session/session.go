// Package session owns the canonical session document. Session identity and
// role assignment are pure functions of the two participant identifiers, so
// both clients derive them independently with no handshake; everything else
// in the document is written only by the participant that owns the sub-path.
package session

import (
	"fmt"
	"sort"
)

// idPrefixLen is the number of identifier runes that go into the session id
// and the voice channel name.
const idPrefixLen = 8

// CharacterKind selects which of the two characters a participant controls.
type CharacterKind string

const (
	KindA CharacterKind = "A"
	KindB CharacterKind = "B"
)

// CountdownStatus is the lifecycle of one countdown phase.
type CountdownStatus string

const (
	CountdownWaiting  CountdownStatus = "waiting"
	CountdownActive   CountdownStatus = "active"
	CountdownFinished CountdownStatus = "finished"
)

// Phase names the two independent timed phases of a session.
type Phase string

const (
	PhasePrimary   Phase = "countdown"
	PhaseSecondary Phase = "countdown2"
)

// Countdown is the shared countdown sub-document. StartTimeMs is an
// authoritative-clock value; nil means the phase has not started.
type Countdown struct {
	StartTimeMs *int64          `json:"startTime"`
	DurationMs  int64           `json:"durationMs"`
	Status      CountdownStatus `json:"status"`
}

// Participant is one participant's own sub-document.
type Participant struct {
	DisplayName   string        `json:"displayName"`
	Screen        string        `json:"screen"`
	JoinedAtMs    int64         `json:"joinedAt"`
	Ready         bool          `json:"ready"`
	Confirmed     bool          `json:"confirmed"`
	Role          int           `json:"role"`
	CharacterKind CharacterKind `json:"characterKind"`
	Posture       string        `json:"posture,omitempty"`
}

// RoleAssignment is computed once at session creation as a pure function of
// the sorted identifier pair and never changes afterwards.
type RoleAssignment struct {
	KindA string `json:"kindA"`
	KindB string `json:"kindB"`
	Role1 string `json:"role1"`
	Role2 string `json:"role2"`
}

// Session is the document at sessions.<sessionID>.
type Session struct {
	ID           string                 `json:"id"`
	Participants map[string]Participant `json:"participants"`
	Roles        RoleAssignment         `json:"roleAssignment"`
	Countdown    Countdown              `json:"countdown"`
	Countdown2   Countdown              `json:"countdown2"`
}

// SortPair returns the two identifiers in lexicographic order.
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// IDPrefix shortens an identifier the way session ids and channel names do.
func IDPrefix(id string) string {
	if len(id) > idPrefixLen {
		return id[:idPrefixLen]
	}
	return id
}

// DeriveSessionID computes the deterministic session identity. It is order
// independent: both clients compute an identical path with no negotiation.
func DeriveSessionID(a, b string) string {
	lo, hi := SortPair(a, b)
	return fmt.Sprintf("session-%s-%s", IDPrefix(lo), IDPrefix(hi))
}

// DeriveRoles assigns roles from the sorted pair: the lower-sorted id always
// gets role 1 and character kind A. With a missing partner id the remaining
// participant falls back to a solo assignment of role 1 / kind A.
func DeriveRoles(a, b string) RoleAssignment {
	ids := make([]string, 0, 2)
	for _, id := range []string{a, b} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	ra := RoleAssignment{}
	if len(ids) > 0 {
		ra.KindA = ids[0]
		ra.Role1 = ids[0]
	}
	if len(ids) > 1 {
		ra.KindB = ids[1]
		ra.Role2 = ids[1]
	}
	return ra
}

// roleFor returns the role/kind of one participant under an assignment.
func roleFor(ra RoleAssignment, id string) (int, CharacterKind) {
	if id == ra.Role2 && ra.Role2 != "" {
		return 2, KindB
	}
	return 1, KindA
}

// phaseOf selects a countdown sub-document by phase name.
func phaseOf(s *Session, phase Phase) *Countdown {
	if phase == PhaseSecondary {
		return &s.Countdown2
	}
	return &s.Countdown
}
