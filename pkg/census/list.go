package census

import (
	"fmt"
	"sort"
	"sync"
)

// Update is the change token of a List: one counter per fact family. Two
// tokens are only ever compared for equality.
type Update struct {
	Service        uint64 `json:"service"`
	Election       uint64 `json:"election"`
	UpdateElection uint64 `json:"update_election"`
	Membership     uint64 `json:"membership"`
}

// List is the registry of every Census, keyed by service group. It is safe
// for concurrent use; readers receive deep copies.
type List struct {
	mu       sync.RWMutex
	self     string
	censuses map[string]*Census
	counters Update
	// latest member and health facts per member id, replayed onto entries
	// created after the fact arrived
	members map[string]MemberFact
	health  map[string]HealthFact
}

// NewList returns an empty registry for the local member self.
func NewList(self string) *List {
	return &List{
		self:     self,
		censuses: make(map[string]*Census),
		members:  make(map[string]MemberFact),
		health:   make(map[string]HealthFact),
	}
}

// Self returns the local member id.
func (l *List) Self() string { return l.self }

// Apply routes f to the matching Apply* method. It reports whether any entry
// was affected.
func (l *List) Apply(f Fact) (bool, error) {
	var err error
	switch v := f.(type) {
	case ServiceFact:
		err = l.ApplyServiceFact(v)
	case *ServiceFact:
		err = l.ApplyServiceFact(*v)
	case ElectionFact:
		err = l.applyElection(v)
	case *ElectionFact:
		err = l.applyElection(*v)
	case MemberFact:
		return l.ApplyMemberFact(v), nil
	case *MemberFact:
		return l.ApplyMemberFact(*v), nil
	case HealthFact:
		return l.ApplyHealthFact(v), nil
	case *HealthFact:
		return l.ApplyHealthFact(*v), nil
	default:
		return false, fmt.Errorf("census: unsupported fact %T", f)
	}
	return err == nil, err
}

// ApplyServiceFact creates or updates the entry for f.MemberID in the census
// of f.ServiceGroup, creating the census if needed. A fact without a member
// id is rejected.
func (l *List) ApplyServiceFact(f ServiceFact) error {
	if f.MemberID == "" {
		return ErrMissingMemberID
	}
	sg, err := ParseServiceGroup(f.ServiceGroup)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.censusLocked(sg)
	e, ok := c.population[f.MemberID]
	if !ok {
		e = c.newEntry(f.MemberID)
		if mf, ok := l.members[f.MemberID]; ok {
			e.ApplyMemberFact(mf)
		}
		if hf, ok := l.health[f.MemberID]; ok {
			e.ApplyHealthFact(hf)
		}
	}
	if err := e.ApplyServiceFact(f); err != nil {
		return err
	}
	c.population[f.MemberID] = e
	l.counters.Service++
	return nil
}

// ApplyElectionFact applies a primary-track election fact to every entry of
// the group. The track of f is forced to primary.
func (l *List) ApplyElectionFact(f ElectionFact) error {
	f.Track = TrackPrimary
	return l.applyElection(f)
}

// ApplyUpdateElectionFact is ApplyElectionFact for the update track.
func (l *List) ApplyUpdateElectionFact(f ElectionFact) error {
	f.Track = TrackUpdate
	return l.applyElection(f)
}

func (l *List) applyElection(f ElectionFact) error {
	sg, err := ParseServiceGroup(f.ServiceGroup)
	if err != nil {
		return err
	}
	switch f.Status {
	case ElectionRunning, ElectionNoQuorum, ElectionFinished:
	default:
		return fmt.Errorf("census: election fact for %s has no status", sg)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.censusLocked(sg).applyElection(f)
	if f.Track == TrackUpdate {
		l.counters.UpdateElection++
	} else {
		l.counters.Election++
	}
	return nil
}

// ApplyMemberFact updates f.ID in every census that contains it and
// remembers f for entries created later. It reports whether any census
// contained the member.
func (l *List) ApplyMemberFact(f MemberFact) bool {
	if f.ID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[f.ID] = f
	return l.fanOutLocked(f.ID, func(e *Entry) { e.ApplyMemberFact(f) })
}

// ApplyHealthFact is ApplyMemberFact for health verdicts.
func (l *List) ApplyHealthFact(f HealthFact) bool {
	if f.MemberID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health[f.MemberID] = f
	return l.fanOutLocked(f.MemberID, func(e *Entry) { e.ApplyHealthFact(f) })
}

// fanOutLocked applies fn to id in every census containing it. The
// membership counter moves even when no census matched, since the remembered
// fact changed.
func (l *List) fanOutLocked(id string, fn func(*Entry)) bool {
	l.counters.Membership++
	applied := false
	for _, c := range l.censuses {
		if !c.has(id) {
			continue
		}
		e := c.population[id]
		fn(&e)
		c.population[id] = e
		applied = true
	}
	return applied
}

// MarkInitialized sets the Initialized flag on the local entry of group.
func (l *List) MarkInitialized(group string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.censuses[group]
	if !ok || !c.has(l.self) {
		return false
	}
	e := c.population[l.self]
	if e.Initialized {
		return true
	}
	e.Initialized = true
	c.population[l.self] = e
	return true
}

// Get returns a snapshot of the census for group.
func (l *List) Get(group string) (*Census, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.censuses[group]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Groups returns the known service group keys in sorted order.
func (l *List) Groups() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.censuses))
	for k := range l.censuses {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a consistent copy of every census together with the change
// token it corresponds to.
func (l *List) Snapshot() (map[string]*Census, Update) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*Census, len(l.censuses))
	for k, c := range l.censuses {
		out[k] = c.Clone()
	}
	return out, l.counters
}

// ChangeToken returns the current counters.
func (l *List) ChangeToken() Update {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counters
}

func (l *List) censusLocked(sg ServiceGroup) *Census {
	key := sg.String()
	c, ok := l.censuses[key]
	if !ok {
		c = New(sg, l.self)
		l.censuses[key] = c
	}
	return c
}
