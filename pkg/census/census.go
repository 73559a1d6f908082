package census

import (
	"encoding/json"
	"sort"
)

// Census is the view of one service group: every member known to run the
// group's service, keyed by member id, plus the id of the local member.
//
// A Census is not safe for concurrent mutation. The List owns the live
// instances and hands out clones to readers.
type Census struct {
	group      ServiceGroup
	self       string
	population map[string]Entry
	// latest election facts per track, replayed onto entries created later
	elections map[Track]ElectionFact
}

// New returns an empty census for group as seen by member self.
func New(group ServiceGroup, self string) *Census {
	return &Census{
		group:      group,
		self:       self,
		population: make(map[string]Entry),
		elections:  make(map[Track]ElectionFact),
	}
}

// ServiceGroup returns the group this census describes.
func (c *Census) ServiceGroup() ServiceGroup { return c.group }

// Self returns the local member id.
func (c *Census) Self() string { return c.self }

// Len returns the number of entries.
func (c *Census) Len() int { return len(c.population) }

// Get returns the entry for id.
func (c *Census) Get(id string) (Entry, bool) {
	e, ok := c.population[id]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// InsertOrUpdate replaces the entry keyed by e.MemberID.
func (c *Census) InsertOrUpdate(e Entry) {
	c.population[e.MemberID] = e.Clone()
}

// Me returns the local member's entry.
func (c *Census) Me() (Entry, bool) { return c.Get(c.self) }

// Members returns every entry in unspecified order.
func (c *Census) Members() []Entry {
	out := make([]Entry, 0, len(c.population))
	for _, e := range c.population {
		out = append(out, e.Clone())
	}
	return out
}

// AliveMembers returns the entries whose health is alive, in unspecified order.
func (c *Census) AliveMembers() []Entry {
	out := make([]Entry, 0, len(c.population))
	for _, e := range c.population {
		if e.Alive() {
			out = append(out, e.Clone())
		}
	}
	return out
}

// MembersOrdered returns every entry sorted by member id.
func (c *Census) MembersOrdered() []Entry { return sortByID(c.Members()) }

// AliveMembersOrdered returns the alive entries sorted by member id.
func (c *Census) AliveMembersOrdered() []Entry { return sortByID(c.AliveMembers()) }

func sortByID(es []Entry) []Entry {
	sort.Slice(es, func(i, j int) bool { return es[i].MemberID < es[j].MemberID })
	return es
}

// NextPeer returns the alive member that follows the local member on the
// id-ordered ring, wrapping around at the end.
func (c *Census) NextPeer() (Entry, bool) { return c.ringPeer(1) }

// PreviousPeer returns the alive member that precedes the local member on the
// id-ordered ring, wrapping around at the start.
func (c *Census) PreviousPeer() (Entry, bool) { return c.ringPeer(-1) }

func (c *Census) ringPeer(step int) (Entry, bool) {
	ring := c.AliveMembersOrdered()
	if len(ring) < 2 {
		return Entry{}, false
	}
	pos := -1
	for i, e := range ring {
		if e.MemberID == c.self {
			pos = i
			break
		}
	}
	if pos < 0 {
		return Entry{}, false
	}
	return ring[(pos+step+len(ring))%len(ring)], true
}

// Leader returns the first entry, in member-id order, that holds the primary
// leader role.
func (c *Census) Leader() (Entry, bool) {
	for _, e := range c.MembersOrdered() {
		if e.Leader() {
			return e, true
		}
	}
	return Entry{}, false
}

// UpdateLeader is Leader for the update election track.
func (c *Census) UpdateLeader() (Entry, bool) {
	for _, e := range c.MembersOrdered() {
		if e.UpdateLeader() {
			return e, true
		}
	}
	return Entry{}, false
}

// LeaderConflicts returns the ids of all entries claiming the primary leader
// role when more than one entry does, and nil otherwise.
func (c *Census) LeaderConflicts() []string {
	var ids []string
	for _, e := range c.MembersOrdered() {
		if e.Leader() {
			ids = append(ids, e.MemberID)
		}
	}
	if len(ids) < 2 {
		return nil
	}
	return ids
}

// Clone returns a deep copy that shares nothing with c.
func (c *Census) Clone() *Census {
	out := New(c.group, c.self)
	for id, e := range c.population {
		out.population[id] = e.Clone()
	}
	for t, f := range c.elections {
		out.elections[t] = f
	}
	return out
}

// MarshalJSON renders the census with its members ordered by id.
func (c *Census) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ServiceGroup string  `json:"service_group"`
		Self         string  `json:"me"`
		Members      []Entry `json:"members"`
	}{
		ServiceGroup: c.group.String(),
		Self:         c.self,
		Members:      c.MembersOrdered(),
	})
}

func (c *Census) has(id string) bool {
	_, ok := c.population[id]
	return ok
}

// newEntry returns a fresh entry for id carrying the group's latest election
// state.
func (c *Census) newEntry(id string) Entry {
	e := NewEntry(id)
	for _, t := range []Track{TrackPrimary, TrackUpdate} {
		if f, ok := c.elections[t]; ok {
			e.ApplyElectionFact(f)
		}
	}
	return e
}

func (c *Census) applyElection(f ElectionFact) {
	c.elections[f.Track] = f
	for id, e := range c.population {
		e.ApplyElectionFact(f)
		c.population[id] = e
	}
}
