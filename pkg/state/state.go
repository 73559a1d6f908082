// Package state holds the replicated service configuration that operators
// publish to a service group: one configuration body per group and any number
// of named service files. Every record carries an incarnation; a write whose
// incarnation is not greater than the stored one is ignored, so replays and
// reordered deliveries converge.
package state

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/amirimatin/go-census/pkg/census"
)

// Raft command ops understood by the config FSM.
const (
	OpSetServiceConfig = "SetServiceConfig"
	OpSetServiceFile   = "SetServiceFile"
)

var ErrInvalidFilename = errors.New("state: invalid service file name")

// ServiceConfig is the gossip-delivered configuration of a service group.
type ServiceConfig struct {
	ServiceGroup string `json:"service_group"`
	Incarnation  uint64 `json:"incarnation"`
	Body         []byte `json:"body"`
}

// ServiceFile is an operator-uploaded file delivered to every member of a
// service group.
type ServiceFile struct {
	ServiceGroup string `json:"service_group"`
	Filename     string `json:"filename"`
	Incarnation  uint64 `json:"incarnation"`
	Body         []byte `json:"body"`
}

// Reader is the read side used by the reconciler.
type Reader interface {
	ServiceConfig(group string) (ServiceConfig, bool)
	ServiceFiles(group string) []ServiceFile
	// Version changes whenever an accepted write or restore changed the state.
	Version() uint64
}

// ConfigState is the FSM-facing state. Apply methods report whether the write
// was accepted.
type ConfigState interface {
	Reader
	ApplySetServiceConfig(c ServiceConfig) (bool, error)
	ApplySetServiceFile(f ServiceFile) (bool, error)
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}

// GroupKey validates a service group string and returns its canonical key.
func GroupKey(s string) (string, error) {
	sg, err := census.ParseServiceGroup(s)
	if err != nil {
		return "", err
	}
	return sg.String(), nil
}

// ValidateFilename rejects names that would escape the service files
// directory.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}
