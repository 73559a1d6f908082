package census

import "fmt"

// Health is the failure-detector verdict for a member.
type Health int

const (
	HealthUnknown Health = iota
	HealthAlive
	HealthSuspect
	HealthConfirmed
)

func (h Health) String() string {
	switch h {
	case HealthAlive:
		return "alive"
	case HealthSuspect:
		return "suspect"
	case HealthConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// ParseHealth is the inverse of Health.String.
func ParseHealth(s string) (Health, error) {
	switch s {
	case "alive":
		return HealthAlive, nil
	case "suspect":
		return HealthSuspect, nil
	case "confirmed":
		return HealthConfirmed, nil
	}
	return HealthUnknown, fmt.Errorf("census: unknown health %q", s)
}

// ElectionStatus is the status carried by an election fact.
type ElectionStatus int

const (
	ElectionRunning ElectionStatus = iota + 1
	ElectionNoQuorum
	ElectionFinished
)

func (s ElectionStatus) String() string {
	switch s {
	case ElectionRunning:
		return "running"
	case ElectionNoQuorum:
		return "no_quorum"
	case ElectionFinished:
		return "finished"
	default:
		return "none"
	}
}

// ParseElectionStatus is the inverse of ElectionStatus.String.
func ParseElectionStatus(s string) (ElectionStatus, error) {
	switch s {
	case "running":
		return ElectionRunning, nil
	case "no_quorum":
		return ElectionNoQuorum, nil
	case "finished":
		return ElectionFinished, nil
	}
	return 0, fmt.Errorf("census: unknown election status %q", s)
}

// Track selects which of the two independent elections a fact belongs to.
type Track int

const (
	TrackPrimary Track = iota
	TrackUpdate
)

func (t Track) String() string {
	if t == TrackUpdate {
		return "update"
	}
	return "primary"
}

// Kind names a fact family; it is used for counters and metrics labels.
type Kind string

const (
	KindMember         Kind = "member"
	KindHealth         Kind = "health"
	KindService        Kind = "service"
	KindElection       Kind = "election"
	KindUpdateElection Kind = "update_election"
)

// Fact is one of MemberFact, HealthFact, ServiceFact or ElectionFact.
type Fact interface {
	Kind() Kind
}

// MemberFact describes a member as known to the gossip layer.
type MemberFact struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	Persistent bool   `json:"persistent"`
}

// HealthFact carries a failure-detector verdict for a member.
type HealthFact struct {
	MemberID string `json:"member_id"`
	Health   Health `json:"health"`
}

// ServiceFact announces that a member runs a service in a service group.
type ServiceFact struct {
	MemberID     string `json:"member_id"`
	ServiceGroup string `json:"service_group"`
	Hostname     string `json:"hostname"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	Exposes      []int  `json:"exposes,omitempty"`
	PackageIdent string `json:"package_ident"`
}

// ElectionFact reports the status of an election round for a service group.
// MemberID is the winner; it is only meaningful once Status is finished.
type ElectionFact struct {
	ServiceGroup string         `json:"service_group"`
	MemberID     string         `json:"member_id"`
	Status       ElectionStatus `json:"status"`
	Track        Track          `json:"track"`
}

func (MemberFact) Kind() Kind  { return KindMember }
func (HealthFact) Kind() Kind  { return KindHealth }
func (ServiceFact) Kind() Kind { return KindService }

func (f ElectionFact) Kind() Kind {
	if f.Track == TrackUpdate {
		return KindUpdateElection
	}
	return KindElection
}

// Text encodings keep facts readable on the wire and in the CLI.

func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Health) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*h = HealthUnknown
		return nil
	}
	v, err := ParseHealth(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func (s ElectionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ElectionStatus) UnmarshalText(b []byte) error {
	if v := string(b); v == "" || v == "none" {
		*s = 0
		return nil
	}
	v, err := ParseElectionStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (t Track) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Track) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "primary":
		*t = TrackPrimary
	case "update":
		*t = TrackUpdate
	default:
		return fmt.Errorf("census: unknown election track %q", b)
	}
	return nil
}
