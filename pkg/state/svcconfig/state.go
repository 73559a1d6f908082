package svcconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	base "github.com/amirimatin/go-census/pkg/state"
)

const snapshotVersion = 1

// State is an in-memory FSM for replicated service configuration.
type State struct {
	mu      sync.RWMutex
	configs map[string]base.ServiceConfig
	// group key -> filename -> file
	files   map[string]map[string]base.ServiceFile
	version uint64
}

func New() *State {
	return &State{
		configs: make(map[string]base.ServiceConfig),
		files:   make(map[string]map[string]base.ServiceFile),
	}
}

func (s *State) ApplySetServiceConfig(c base.ServiceConfig) (bool, error) {
	key, err := base.GroupKey(c.ServiceGroup)
	if err != nil {
		return false, err
	}
	c.ServiceGroup = key
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.configs[key]; ok && c.Incarnation <= cur.Incarnation {
		return false, nil
	}
	s.configs[key] = c
	s.version++
	return true, nil
}

func (s *State) ApplySetServiceFile(f base.ServiceFile) (bool, error) {
	key, err := base.GroupKey(f.ServiceGroup)
	if err != nil {
		return false, err
	}
	if err := base.ValidateFilename(f.Filename); err != nil {
		return false, err
	}
	f.ServiceGroup = key
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := s.files[key]
	if byName == nil {
		byName = make(map[string]base.ServiceFile)
		s.files[key] = byName
	}
	if cur, ok := byName[f.Filename]; ok && f.Incarnation <= cur.Incarnation {
		return false, nil
	}
	byName[f.Filename] = f
	s.version++
	return true, nil
}

func (s *State) ServiceConfig(group string) (base.ServiceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[group]
	if !ok {
		return base.ServiceConfig{}, false
	}
	c.Body = append([]byte(nil), c.Body...)
	return c, true
}

// ServiceFiles returns the files of group sorted by name.
func (s *State) ServiceFiles(group string) []base.ServiceFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]base.ServiceFile, 0, len(s.files[group]))
	for _, f := range s.files[group] {
		f.Body = append([]byte(nil), f.Body...)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

type snapshot struct {
	Version int                  `json:"version"`
	Configs []base.ServiceConfig `json:"configs"`
	Files   []base.ServiceFile   `json:"files"`
}

// Snapshot encodes state as stable JSON for ease of debugging/migration.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{
		Version: snapshotVersion,
		Configs: make([]base.ServiceConfig, 0, len(s.configs)),
		Files:   []base.ServiceFile{},
	}
	for _, c := range s.configs {
		snap.Configs = append(snap.Configs, c)
	}
	sort.Slice(snap.Configs, func(i, j int) bool { return snap.Configs[i].ServiceGroup < snap.Configs[j].ServiceGroup })
	for _, byName := range s.files {
		for _, f := range byName {
			snap.Files = append(snap.Files, f)
		}
	}
	sort.Slice(snap.Files, func(i, j int) bool {
		if snap.Files[i].ServiceGroup != snap.Files[j].ServiceGroup {
			return snap.Files[i].ServiceGroup < snap.Files[j].ServiceGroup
		}
		return snap.Files[i].Filename < snap.Files[j].Filename
	})
	return json.Marshal(snap)
}

func (s *State) Restore(buf []byte) error {
	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("svcconfig: unsupported snapshot version %d", snap.Version)
	}
	configs := make(map[string]base.ServiceConfig, len(snap.Configs))
	for _, c := range snap.Configs {
		if c.ServiceGroup == "" {
			continue
		}
		configs[c.ServiceGroup] = c
	}
	files := make(map[string]map[string]base.ServiceFile)
	for _, f := range snap.Files {
		if f.ServiceGroup == "" || base.ValidateFilename(f.Filename) != nil {
			continue
		}
		if files[f.ServiceGroup] == nil {
			files[f.ServiceGroup] = make(map[string]base.ServiceFile)
		}
		files[f.ServiceGroup][f.Filename] = f
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = configs
	s.files = files
	s.version++
	return nil
}

// Ensure interface satisfaction at compile-time.
var _ base.ConfigState = (*State)(nil)
