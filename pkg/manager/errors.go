package manager

import "errors"

var (
	ErrNotLeader      = errors.New("manager: not leader")
	ErrNoLeader       = errors.New("manager: no leader known")
	ErrUnknownService = errors.New("manager: unknown service group")
	ErrNotStarted     = errors.New("manager: not started")
	ErrUnreachable    = errors.New("manager: unreachable")
)
