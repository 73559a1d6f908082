package reconcile

import "github.com/amirimatin/go-census/pkg/census"

// Phase is the election state a restart decision was based on.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseElectionInProgress
	PhaseElectionNoQuorum
	PhaseElectionFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseElectionInProgress:
		return "election_in_progress"
	case PhaseElectionNoQuorum:
		return "election_no_quorum"
	case PhaseElectionFinished:
		return "election_finished"
	default:
		return "none"
	}
}

// Decision is the outcome of Eligibility.
type Decision struct {
	Eligible bool
	Phase    Phase
	// Leader is the winner recorded on the local entry once the election
	// finished. It may name a member that is not (yet) in the census.
	Leader string
	// Reason explains an ineligible decision.
	Reason string
	// Conflicts lists the entries claiming leadership when more than one does.
	Conflicts []string
}

// Deferral reasons.
const (
	ReasonNotInCensus    = "not_in_census"
	ReasonNoElection     = "no_election"
	ReasonElection       = "election_in_progress"
	ReasonNoQuorum       = "no_quorum"
	ReasonLeaderConflict = "leader_conflict"
)

// Eligibility decides whether a service with topology t may restart given the
// census of its group. It has no side effects.
func Eligibility(t Topology, c *census.Census) Decision {
	if !t.Coordinated() {
		return Decision{Eligible: true}
	}
	if c == nil {
		return Decision{Reason: ReasonNotInCensus}
	}
	me, ok := c.Me()
	if !ok {
		return Decision{Reason: ReasonNotInCensus}
	}
	switch {
	case me.ElectionIsRunning():
		return Decision{Phase: PhaseElectionInProgress, Reason: ReasonElection}
	case me.ElectionIsNoQuorum():
		return Decision{Phase: PhaseElectionNoQuorum, Reason: ReasonNoQuorum}
	case me.ElectionIsFinished():
		d := Decision{Phase: PhaseElectionFinished, Leader: me.Election.Winner}
		if conflicts := c.LeaderConflicts(); conflicts != nil {
			d.Reason = ReasonLeaderConflict
			d.Conflicts = conflicts
			return d
		}
		d.Eligible = true
		return d
	default:
		return Decision{Reason: ReasonNoElection}
	}
}

// Notifier remembers the last phase that was reported for a service so the
// same deferral or restart reason is announced once per change.
type Notifier struct {
	last Phase
}

// Observe records p and reports whether it differs from the previous phase.
func (n *Notifier) Observe(p Phase) bool {
	if n.last == p {
		return false
	}
	n.last = p
	return true
}

// Last returns the most recently observed phase.
func (n *Notifier) Last() Phase { return n.last }
