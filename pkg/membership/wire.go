package membership

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirimatin/go-census/pkg/census"
)

var ErrUnknownKind = errors.New("membership: unknown fact kind")

type envelope struct {
	Kind census.Kind     `json:"kind"`
	Fact json.RawMessage `json:"fact"`
}

// EncodeFact wraps f in a JSON envelope tagged with its kind.
func EncodeFact(f census.Fact) ([]byte, error) {
	if f == nil {
		return nil, errors.New("membership: nil fact")
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: f.Kind(), Fact: body})
}

// DecodeFact is the inverse of EncodeFact. Update-election envelopes always
// decode with the update track.
func DecodeFact(b []byte) (census.Fact, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("membership: decode envelope: %w", err)
	}
	switch env.Kind {
	case census.KindMember:
		var f census.MemberFact
		if err := unmarshalFact(env, &f); err != nil {
			return nil, err
		}
		return f, nil
	case census.KindHealth:
		var f census.HealthFact
		if err := unmarshalFact(env, &f); err != nil {
			return nil, err
		}
		return f, nil
	case census.KindService:
		var f census.ServiceFact
		if err := unmarshalFact(env, &f); err != nil {
			return nil, err
		}
		return f, nil
	case census.KindElection, census.KindUpdateElection:
		var f census.ElectionFact
		if err := unmarshalFact(env, &f); err != nil {
			return nil, err
		}
		f.Track = census.TrackPrimary
		if env.Kind == census.KindUpdateElection {
			f.Track = census.TrackUpdate
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func unmarshalFact(env envelope, v any) error {
	if err := json.Unmarshal(env.Fact, v); err != nil {
		return fmt.Errorf("membership: decode %s fact: %w", env.Kind, err)
	}
	return nil
}

// FactKey identifies the stream a fact belongs to: a newer fact with the same
// key supersedes the older one.
func FactKey(f census.Fact) string {
	switch v := f.(type) {
	case census.ServiceFact:
		return "service/" + v.ServiceGroup + "/" + v.MemberID
	case census.ElectionFact:
		return string(v.Kind()) + "/" + v.ServiceGroup
	case census.MemberFact:
		return "member/" + v.ID
	case census.HealthFact:
		return "health/" + v.MemberID
	default:
		return ""
	}
}
