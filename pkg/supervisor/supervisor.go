// Package supervisor provides a reconcile.Supervisor that runs operator
// configured shell hooks.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/reconcile"
)

// Hooks are shell command lines run with "sh -c". Empty hooks are no-ops.
type Hooks struct {
	Restart     string
	Reconfigure string
	Initialize  string
	FileUpdated string
}

// Options configures an Exec supervisor.
type Options struct {
	// Hooks per canonical service group key.
	Hooks map[string]Hooks
	// Shell defaults to /bin/sh.
	Shell string
	// Timeout bounds a single hook run (default 60s).
	Timeout time.Duration
	Logger  *zap.Logger
}

// Exec runs hooks as child processes. The service group and hook name are
// exported as CENSUS_SERVICE_GROUP and CENSUS_HOOK.
type Exec struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	runs map[string]int
}

func New(opts Options) *Exec {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Exec{opts: opts, log: opts.Logger, runs: make(map[string]int)}
}

func (e *Exec) Restart(ctx context.Context, sg string) error {
	return e.run(ctx, sg, "restart", e.opts.Hooks[sg].Restart)
}

func (e *Exec) ReconfigureHooks(ctx context.Context, sg string) error {
	return e.run(ctx, sg, "reconfigure", e.opts.Hooks[sg].Reconfigure)
}

func (e *Exec) Initialize(ctx context.Context, sg string) error {
	return e.run(ctx, sg, "initialize", e.opts.Hooks[sg].Initialize)
}

func (e *Exec) FileUpdated(ctx context.Context, sg string) error {
	return e.run(ctx, sg, "file_updated", e.opts.Hooks[sg].FileUpdated)
}

// Runs reports how many times hook ran for sg, including no-op runs.
func (e *Exec) Runs(sg, hook string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[sg+"/"+hook]
}

func (e *Exec) run(ctx context.Context, sg, hook, line string) error {
	e.mu.Lock()
	e.runs[sg+"/"+hook]++
	e.mu.Unlock()
	log := e.log.With(zap.String("service_group", sg), zap.String("hook", hook))
	if strings.TrimSpace(line) == "" {
		log.Debug("no hook configured")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.opts.Shell, "-c", line)
	cmd.Env = append(os.Environ(), "CENSUS_SERVICE_GROUP="+sg, "CENSUS_HOOK="+hook)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	start := time.Now()
	err := cmd.Run()
	log = log.With(zap.Duration("took", time.Since(start)))
	if out.Len() > 0 {
		log.Debug("hook output", zap.String("output", strings.TrimSpace(out.String())))
	}
	if err != nil {
		return fmt.Errorf("supervisor: %s hook for %s: %w", hook, sg, err)
	}
	log.Info("hook ran")
	return nil
}

var _ reconcile.Supervisor = (*Exec)(nil)
