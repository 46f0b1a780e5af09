// ABOUTME: Session phases, account identity and the guarded State container
// ABOUTME: Apply* methods are the only way the connection state changes

package session

import (
	"sync"
	"time"
)

// Phase is the connection phase of the account.
type Phase string

const (
	PhaseAwaitingPairing Phase = "awaiting_pairing"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseReady           Phase = "ready"
	PhaseDisconnected    Phase = "disconnected"
	PhaseAuthFailed      Phase = "auth_failed"
)

// Phases lists every phase, in lifecycle order.
var Phases = []Phase{
	PhaseAwaitingPairing,
	PhaseAuthenticated,
	PhaseReady,
	PhaseDisconnected,
	PhaseAuthFailed,
}

// Identity describes the connected account.
type Identity struct {
	Address  string `json:"address"`
	User     string `json:"user"`
	Name     string `json:"pushname,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	Phase            Phase
	Identity         *Identity
	PairingAvailable bool
	// Artifact is the pairing payload, set only when PairingAvailable.
	Artifact string
	Since    time.Time
	// Reason carries the detail of the last disconnect or auth failure.
	Reason string
}

// Connected reports whether messages can be sent.
func (s Snapshot) Connected() bool {
	return s.Phase == PhaseReady
}

// State is the mutable session record.
type State struct {
	mu       sync.RWMutex
	phase    Phase
	artifact string
	identity *Identity
	since    time.Time
	reason   string
	now      func() time.Time
}

// New returns a State awaiting its first pairing artifact. A nil now uses time.Now.
func New(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		phase: PhaseAwaitingPairing,
		since: now(),
		now:   now,
	}
}

// Current returns a snapshot of the state.
func (s *State) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Phase:  s.phase,
		Since:  s.since,
		Reason: s.reason,
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	if s.phase == PhaseAwaitingPairing && s.artifact != "" {
		snap.PairingAvailable = true
		snap.Artifact = s.artifact
	}
	return snap
}

// ApplyPairingIssued stores a fresh pairing artifact. Valid from any phase.
func (s *State) ApplyPairingIssued(artifact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(PhaseAwaitingPairing)
	s.artifact = artifact
	s.identity = nil
	s.reason = ""
}

// ApplyAuthenticated records that credentials were accepted.
func (s *State) ApplyAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(PhaseAuthenticated)
	s.artifact = ""
	s.identity = nil
	s.reason = ""
}

// ApplyReady records that the session can send, along with who it is.
func (s *State) ApplyReady(identity Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(PhaseReady)
	s.artifact = ""
	s.identity = &identity
	s.reason = ""
}

// ApplyDisconnected drops the session.
func (s *State) ApplyDisconnected(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(PhaseDisconnected)
	s.artifact = ""
	s.identity = nil
	s.reason = reason
}

// ApplyAuthFailed records a failed authentication. The last artifact is kept
// but is no longer offered.
func (s *State) ApplyAuthFailed(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(PhaseAuthFailed)
	s.identity = nil
	s.reason = detail
}

// caller holds mu
func (s *State) transition(p Phase) {
	s.phase = p
	s.since = s.now()
}
