package raftcons

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	c "github.com/amirimatin/go-census/pkg/consensus"
	"github.com/amirimatin/go-census/pkg/state"
)

// configFSM bridges Raft Apply/Snapshot to the replicated service config.
type configFSM struct {
	cs state.ConfigState
}

func newConfigFSM(cs state.ConfigState) *configFSM { return &configFSM{cs: cs} }

func (f *configFSM) Apply(l *raft.Log) interface{} {
	var cmd c.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	switch cmd.Op {
	case state.OpSetServiceConfig:
		var sc state.ServiceConfig
		if err := json.Unmarshal(cmd.Payload, &sc); err != nil {
			return err
		}
		if _, err := f.cs.ApplySetServiceConfig(sc); err != nil {
			return err
		}
		return nil
	case state.OpSetServiceFile:
		var sf state.ServiceFile
		if err := json.Unmarshal(cmd.Payload, &sf); err != nil {
			return err
		}
		if _, err := f.cs.ApplySetServiceFile(sf); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("raftcons: unknown op %q", cmd.Op)
	}
}

func (f *configFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.cs.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *configFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return f.cs.Restore(data)
}

type snapshot struct {
	blob []byte
	at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*configFSM)(nil)
