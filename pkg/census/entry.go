package census

import (
	"encoding/json"
	"strconv"
)

// Election is the per-entry state of one election track. The zero value means
// no election fact has been observed for the track.
type Election struct {
	Status ElectionStatus
	Winner string
}

// Entry is the census record for one member in one service group.
//
// Health and election state are stored as enums; the boolean views
// (Alive, Leader, ElectionIsRunning, ...) are derived from them so that at
// most one health flag and at most one election flag per track can be true.
type Entry struct {
	MemberID     string
	Service      string
	Group        string
	Organization string
	Hostname     string
	Address      string
	IP           string
	Port         string
	Exposes      []string
	PackageIdent string

	Health         Health
	Election       Election
	UpdateElection Election

	Initialized bool
	Persistent  bool
}

// NewEntry returns an empty entry for memberID.
func NewEntry(memberID string) Entry { return Entry{MemberID: memberID} }

// ServiceGroup returns the canonical service group key of the entry.
func (e Entry) ServiceGroup() string {
	return ServiceGroup{Service: e.Service, Group: e.Group, Organization: e.Organization}.String()
}

// ApplyServiceFact overwrites the service fields from f. A malformed service
// group leaves the entry untouched and returns ErrInvalidServiceGroup.
func (e *Entry) ApplyServiceFact(f ServiceFact) error {
	sg, err := ParseServiceGroup(f.ServiceGroup)
	if err != nil {
		return err
	}
	e.Service = sg.Service
	e.Group = sg.Group
	e.Organization = sg.Organization
	e.Hostname = f.Hostname
	e.IP = f.IP
	e.Port = strconv.Itoa(f.Port)
	e.Exposes = nil
	if len(f.Exposes) > 0 {
		e.Exposes = make([]string, 0, len(f.Exposes))
		for _, p := range f.Exposes {
			e.Exposes = append(e.Exposes, strconv.Itoa(p))
		}
	}
	e.PackageIdent = f.PackageIdent
	return nil
}

// ApplyMemberFact sets the address and persistence flag. Health is carried by
// separate health facts.
func (e *Entry) ApplyMemberFact(f MemberFact) {
	e.Address = f.Address
	e.Persistent = f.Persistent
}

func (e *Entry) ApplyHealthFact(f HealthFact) { e.Health = f.Health }

// ApplyElectionFact updates the election track named by f.Track.
func (e *Entry) ApplyElectionFact(f ElectionFact) {
	el := Election{Status: f.Status}
	if f.Status == ElectionFinished {
		el.Winner = f.MemberID
	}
	if f.Track == TrackUpdate {
		e.UpdateElection = el
		return
	}
	e.Election = el
}

func (e Entry) Alive() bool     { return e.Health == HealthAlive }
func (e Entry) Suspect() bool   { return e.Health == HealthSuspect }
func (e Entry) Confirmed() bool { return e.Health == HealthConfirmed }

// Leader reports whether this member won the finished primary election.
func (e Entry) Leader() bool { return e.Election.leads(e.MemberID) }

// Follower reports whether a primary election finished with another winner.
func (e Entry) Follower() bool { return e.Election.follows(e.MemberID) }

func (e Entry) UpdateLeader() bool   { return e.UpdateElection.leads(e.MemberID) }
func (e Entry) UpdateFollower() bool { return e.UpdateElection.follows(e.MemberID) }

func (e Entry) ElectionIsRunning() bool  { return e.Election.Status == ElectionRunning }
func (e Entry) ElectionIsNoQuorum() bool { return e.Election.Status == ElectionNoQuorum }
func (e Entry) ElectionIsFinished() bool { return e.Election.Status == ElectionFinished }

func (e Entry) UpdateElectionIsRunning() bool  { return e.UpdateElection.Status == ElectionRunning }
func (e Entry) UpdateElectionIsNoQuorum() bool { return e.UpdateElection.Status == ElectionNoQuorum }
func (e Entry) UpdateElectionIsFinished() bool { return e.UpdateElection.Status == ElectionFinished }

func (el Election) leads(id string) bool {
	return el.Status == ElectionFinished && el.Winner == id
}

func (el Election) follows(id string) bool {
	return el.Status == ElectionFinished && el.Winner != id
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	if e.Exposes != nil {
		e.Exposes = append([]string(nil), e.Exposes...)
	}
	return e
}

// MarshalJSON renders the entry with its derived flags, in the shape exposed
// by the management API.
func (e Entry) MarshalJSON() ([]byte, error) {
	exposes := e.Exposes
	if exposes == nil {
		exposes = []string{}
	}
	return json.Marshal(struct {
		MemberID                 string   `json:"member_id"`
		Service                  string   `json:"service"`
		Group                    string   `json:"group"`
		Organization             string   `json:"org,omitempty"`
		Hostname                 string   `json:"hostname"`
		Address                  string   `json:"address"`
		IP                       string   `json:"ip"`
		Port                     string   `json:"port"`
		Exposes                  []string `json:"exposes"`
		PackageIdent             string   `json:"package_ident"`
		Leader                   bool     `json:"leader"`
		Follower                 bool     `json:"follower"`
		UpdateLeader             bool     `json:"update_leader"`
		UpdateFollower           bool     `json:"update_follower"`
		ElectionIsRunning        bool     `json:"election_is_running"`
		ElectionIsNoQuorum       bool     `json:"election_is_no_quorum"`
		ElectionIsFinished       bool     `json:"election_is_finished"`
		UpdateElectionIsRunning  bool     `json:"update_election_is_running"`
		UpdateElectionIsNoQuorum bool     `json:"update_election_is_no_quorum"`
		UpdateElectionIsFinished bool     `json:"update_election_is_finished"`
		Initialized              bool     `json:"initialized"`
		Alive                    bool     `json:"alive"`
		Suspect                  bool     `json:"suspect"`
		Confirmed                bool     `json:"confirmed"`
		Persistent               bool     `json:"persistent"`
	}{
		MemberID:                 e.MemberID,
		Service:                  e.Service,
		Group:                    e.Group,
		Organization:             e.Organization,
		Hostname:                 e.Hostname,
		Address:                  e.Address,
		IP:                       e.IP,
		Port:                     e.Port,
		Exposes:                  exposes,
		PackageIdent:             e.PackageIdent,
		Leader:                   e.Leader(),
		Follower:                 e.Follower(),
		UpdateLeader:             e.UpdateLeader(),
		UpdateFollower:           e.UpdateFollower(),
		ElectionIsRunning:        e.ElectionIsRunning(),
		ElectionIsNoQuorum:       e.ElectionIsNoQuorum(),
		ElectionIsFinished:       e.ElectionIsFinished(),
		UpdateElectionIsRunning:  e.UpdateElectionIsRunning(),
		UpdateElectionIsNoQuorum: e.UpdateElectionIsNoQuorum(),
		UpdateElectionIsFinished: e.UpdateElectionIsFinished(),
		Initialized:              e.Initialized,
		Alive:                    e.Alive(),
		Suspect:                  e.Suspect(),
		Confirmed:                e.Confirmed(),
		Persistent:               e.Persistent,
	})
}
