// Package reconcile turns census state into restart and reconfigure decisions
// for locally supervised services and materializes their configuration on
// disk.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/artifact"
	"github.com/amirimatin/go-census/pkg/census"
	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
	"github.com/amirimatin/go-census/pkg/observability/tracing"
	"github.com/amirimatin/go-census/pkg/state"
)

// DefaultConfigName is the file name of the rendered configuration.
const DefaultConfigName = "config.json"

// Supervisor is the process supervisor collaborator. Calls are made from the
// reconcile goroutine only; sg is the canonical service group key.
type Supervisor interface {
	Restart(ctx context.Context, sg string) error
	ReconfigureHooks(ctx context.Context, sg string) error
	Initialize(ctx context.Context, sg string) error
	FileUpdated(ctx context.Context, sg string) error
}

// ServiceSpec declares one supervised service.
type ServiceSpec struct {
	ServiceGroup census.ServiceGroup
	Topology     Topology
	Owner        artifact.Owner
	// SvcRoot holds one directory per service.
	SvcRoot string
	// ConfigName defaults to DefaultConfigName.
	ConfigName string
	// DefaultsFile is the package defaults document read by the Renderer.
	DefaultsFile string
}

// Key returns the canonical service group key.
func (s ServiceSpec) Key() string { return s.ServiceGroup.String() }

// Dir is SvcRoot/<service>.
func (s ServiceSpec) Dir() string { return filepath.Join(s.SvcRoot, s.ServiceGroup.Service) }

// ConfigPath is Dir/config/<ConfigName>.
func (s ServiceSpec) ConfigPath() string {
	name := s.ConfigName
	if name == "" {
		name = DefaultConfigName
	}
	return filepath.Join(s.Dir(), "config", name)
}

// FilesDir is Dir/files.
func (s ServiceSpec) FilesDir() string { return filepath.Join(s.Dir(), "files") }

// Validate checks the spec for obvious mistakes.
func (s ServiceSpec) Validate() error {
	if s.ServiceGroup.IsZero() {
		return errors.New("reconcile: service spec without service group")
	}
	if s.SvcRoot == "" {
		return fmt.Errorf("reconcile: %s: svc root is required", s.Key())
	}
	if s.ConfigName != "" && state.ValidateFilename(s.ConfigName) != nil {
		return fmt.Errorf("reconcile: %s: invalid config name %q", s.Key(), s.ConfigName)
	}
	if _, err := ParseTopology(string(s.Topology)); err != nil {
		return err
	}
	return nil
}

// EventType enumerates reconcile events.
type EventType string

const (
	EventRestarted       EventType = "restarted"
	EventRestartDeferred EventType = "restart_deferred"
	EventReconfigured    EventType = "reconfigured"
	EventInitialized     EventType = "initialized"
	EventFileUpdated     EventType = "file_updated"
	EventArtifactFailed  EventType = "artifact_failed"
	EventHookFailed      EventType = "hook_failed"
	EventLeaderConflict  EventType = "leader_conflict"
)

// Event describes something a pass did or declined to do.
type Event struct {
	Type         EventType
	ServiceGroup string
	At           time.Time
	Phase        Phase
	Leader       string
	Reason       string
	Path         string
	Err          error
}

// Options configures a Reconciler. Zero values select defaults where noted.
type Options struct {
	List       *census.List
	Services   []ServiceSpec
	Supervisor Supervisor
	// Renderer defaults to JSONRenderer.
	Renderer Renderer
	// Config supplies gossip-delivered configuration and files; optional.
	Config state.Reader
	// Writer defaults to an artifact.Writer with default options.
	Writer *artifact.Writer
	// Interval between periodic passes (default 5s).
	Interval time.Duration
	Logger   *zap.Logger
	// OnEvent is called synchronously from the reconcile goroutine.
	OnEvent func(Event)
}

func (o *Options) Validate() error {
	if o.List == nil {
		return errors.New("reconcile: List is required")
	}
	if o.Supervisor == nil {
		return errors.New("reconcile: Supervisor is required")
	}
	seen := make(map[string]bool, len(o.Services))
	for _, s := range o.Services {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Key()] {
			return fmt.Errorf("reconcile: duplicate service %s", s.Key())
		}
		seen[s.Key()] = true
	}
	return nil
}

type serviceState struct {
	spec         ServiceSpec
	needsRestart bool
	initialized  bool
	notifier     Notifier
	// filename -> incarnation of the last file written
	files map[string]uint64
}

// Reconciler runs reconcile passes for a fixed set of services.
type Reconciler struct {
	opts     Options
	mu       sync.Mutex
	services []*serviceState
	force    chan struct{}
	logger   *zap.Logger
}

// New validates opts and returns a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Renderer == nil {
		opts.Renderer = JSONRenderer{}
	}
	if opts.Writer == nil {
		opts.Writer = artifact.New(artifact.Options{Logger: opts.Logger})
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Reconciler{opts: opts, force: make(chan struct{}, 1), logger: opts.Logger}
	for _, s := range opts.Services {
		r.services = append(r.services, &serviceState{spec: s, files: make(map[string]uint64)})
	}
	return r, nil
}

// Force requests a pass as soon as possible.
func (r *Reconciler) Force() {
	select {
	case r.force <- struct{}{}:
	default:
	}
}

// Run performs a pass immediately and then whenever changed delivers a token,
// Force is called, the config version moves, or the interval elapses with work
// still pending. It returns when ctx is done.
func (r *Reconciler) Run(ctx context.Context, changed <-chan census.Update) error {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	var (
		lastToken   census.Update
		lastVersion uint64
		run         = true
		retry       bool
	)
	for {
		if run {
			lastToken = r.opts.List.ChangeToken()
			lastVersion = r.configVersion()
			err := r.Reconcile(ctx)
			if ctx.Err() != nil {
				return nil
			}
			retry = err != nil || r.hasPendingRestart()
			run = false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			run = true
		case <-r.force:
			run = true
		case <-t.C:
			run = retry || r.opts.List.ChangeToken() != lastToken || r.configVersion() != lastVersion
		}
	}
}

func (r *Reconciler) configVersion() uint64 {
	if r.opts.Config == nil {
		return 0
	}
	return r.opts.Config.Version()
}

func (r *Reconciler) hasPendingRestart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if s.needsRestart {
			return true
		}
	}
	return false
}

// Reconcile runs one pass over every service against a single census
// snapshot. Failures of one service do not stop the others; they are joined
// into the returned error.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "reconcile.pass")
	defer end()
	start := time.Now()
	defer func() { obsmetrics.PassDuration.Observe(time.Since(start).Seconds()) }()

	snapshot, _ := r.opts.List.Snapshot()
	observeCensus(snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.services {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.reconcileService(ctx, s, snapshot[s.spec.Key()]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileService(ctx context.Context, s *serviceState, c *census.Census) error {
	key := s.spec.Key()
	ctx, end := tracing.StartSpan(ctx, "reconcile.service", "service_group", key)
	defer end()
	log := r.logger.With(zap.String("service_group", key))
	if c == nil {
		c = census.New(s.spec.ServiceGroup, r.opts.List.Self())
	}

	var errs []error
	if err := r.reconfigure(ctx, s, c, log); err != nil {
		errs = append(errs, err)
	}
	if err := r.writeServiceFiles(ctx, s, log); err != nil {
		errs = append(errs, err)
	}

	// the self entry may appear after initialization ran
	if s.initialized {
		if me, ok := c.Me(); ok && !me.Initialized {
			r.opts.List.MarkInitialized(key)
		}
	}

	d := Eligibility(s.spec.Topology, c)
	if s.spec.Topology.Coordinated() {
		obsmetrics.ElectionPhase.WithLabelValues(key).Set(float64(d.Phase))
	}
	announce := s.notifier.Observe(d.Phase)
	if d.Conflicts != nil {
		obsmetrics.LeaderConflicts.WithLabelValues(key).Inc()
		log.Warn("multiple members claim leadership", zap.Strings("members", d.Conflicts))
		r.emit(Event{Type: EventLeaderConflict, ServiceGroup: key, Phase: d.Phase, Reason: d.Reason})
	}
	if !d.Eligible {
		if s.needsRestart {
			obsmetrics.RestartsDeferred.WithLabelValues(key, d.Reason).Inc()
			if announce {
				log.Info("not restarting service", zap.String("reason", d.Reason))
				r.emit(Event{Type: EventRestartDeferred, ServiceGroup: key, Phase: d.Phase, Reason: d.Reason})
			}
		}
		return errors.Join(errs...)
	}

	if !s.initialized {
		if err := r.opts.Supervisor.Initialize(ctx, key); err != nil {
			log.Error("initialize hook failed", zap.Error(err))
			r.emit(Event{Type: EventHookFailed, ServiceGroup: key, Reason: "initialize", Err: err})
			return errors.Join(append(errs, fmt.Errorf("reconcile: initialize %s: %w", key, err))...)
		}
		s.initialized = true
		r.opts.List.MarkInitialized(key)
		log.Info("service initialized")
		r.emit(Event{Type: EventInitialized, ServiceGroup: key})
	}

	if s.needsRestart {
		if announce && d.Phase == PhaseElectionFinished {
			log.Info("restarting service", zap.String("leader", d.Leader))
		}
		if err := r.opts.Supervisor.Restart(ctx, key); err != nil {
			log.Error("restart failed", zap.Error(err))
			r.emit(Event{Type: EventHookFailed, ServiceGroup: key, Reason: "restart", Err: err})
			return errors.Join(append(errs, fmt.Errorf("reconcile: restart %s: %w", key, err))...)
		}
		s.needsRestart = false
		obsmetrics.Restarts.WithLabelValues(key).Inc()
		r.emit(Event{Type: EventRestarted, ServiceGroup: key, Phase: d.Phase, Leader: d.Leader})
	}
	return errors.Join(errs...)
}

// reconfigure renders and writes the service configuration. A changed file
// runs the reconfigure hook right away and marks the service for restart.
func (r *Reconciler) reconfigure(ctx context.Context, s *serviceState, c *census.Census, log *zap.Logger) error {
	key := s.spec.Key()
	in := RenderInput{Spec: s.spec, Census: c}
	if r.opts.Config != nil {
		if sc, ok := r.opts.Config.ServiceConfig(key); ok {
			in.Gossip = sc.Body
		}
	}
	body, err := r.opts.Renderer.Render(ctx, in)
	if err != nil {
		log.Error("error generating service configuration; not reconfiguring", zap.Error(err))
		obsmetrics.ArtifactWrites.WithLabelValues("config", "render_error").Inc()
		r.emit(Event{Type: EventArtifactFailed, ServiceGroup: key, Reason: "render", Err: err})
		return err
	}
	path := s.spec.ConfigPath()
	changed, err := r.write(path, body, s.spec.Owner)
	if err != nil {
		log.Error("failed to write service configuration", zap.String("path", path), zap.Error(err))
		obsmetrics.ArtifactWrites.WithLabelValues("config", "error").Inc()
		r.emit(Event{Type: EventArtifactFailed, ServiceGroup: key, Path: path, Err: err})
		return err
	}
	if !changed {
		obsmetrics.ArtifactWrites.WithLabelValues("config", "unchanged").Inc()
		return nil
	}
	obsmetrics.ArtifactWrites.WithLabelValues("config", "updated").Inc()
	obsmetrics.Reconfigures.WithLabelValues(key).Inc()
	s.needsRestart = true
	log.Info("service configuration updated", zap.String("path", path))
	r.emit(Event{Type: EventReconfigured, ServiceGroup: key, Path: path})
	if err := r.opts.Supervisor.ReconfigureHooks(ctx, key); err != nil {
		log.Error("reconfiguration hook failed", zap.Error(err))
		r.emit(Event{Type: EventHookFailed, ServiceGroup: key, Reason: "reconfigure", Err: err})
	}
	return nil
}

// writeServiceFiles persists gossip-delivered files whose incarnation is newer
// than the last one written.
func (r *Reconciler) writeServiceFiles(ctx context.Context, s *serviceState, log *zap.Logger) error {
	if r.opts.Config == nil {
		return nil
	}
	key := s.spec.Key()
	var errs []error
	updated := false
	for _, f := range r.opts.Config.ServiceFiles(key) {
		if inc, ok := s.files[f.Filename]; ok && f.Incarnation <= inc {
			continue
		}
		if err := state.ValidateFilename(f.Filename); err != nil {
			errs = append(errs, err)
			continue
		}
		path := filepath.Join(s.spec.FilesDir(), f.Filename)
		changed, err := r.write(path, f.Body, s.spec.Owner)
		if err != nil {
			log.Error("service file write failed", zap.String("path", path), zap.Error(err))
			obsmetrics.ArtifactWrites.WithLabelValues("file", "error").Inc()
			r.emit(Event{Type: EventArtifactFailed, ServiceGroup: key, Path: path, Err: err})
			errs = append(errs, err)
			continue
		}
		s.files[f.Filename] = f.Incarnation
		if changed {
			obsmetrics.ArtifactWrites.WithLabelValues("file", "updated").Inc()
			log.Info("service file updated", zap.String("path", path), zap.Uint64("incarnation", f.Incarnation))
			updated = true
		} else {
			obsmetrics.ArtifactWrites.WithLabelValues("file", "unchanged").Inc()
		}
	}
	if updated && s.initialized {
		if err := r.opts.Supervisor.FileUpdated(ctx, key); err != nil {
			log.Error("file update hook failed", zap.Error(err))
			r.emit(Event{Type: EventHookFailed, ServiceGroup: key, Reason: "file_updated", Err: err})
		} else {
			r.emit(Event{Type: EventFileUpdated, ServiceGroup: key})
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) write(path string, body []byte, owner artifact.Owner) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("artifact: mkdir %s: %w", filepath.Dir(path), err)
	}
	return r.opts.Writer.Write(path, body, owner)
}

func (r *Reconciler) emit(e Event) {
	if r.opts.OnEvent == nil {
		return
	}
	e.At = time.Now()
	r.opts.OnEvent(e)
}

func observeCensus(snapshot map[string]*census.Census) {
	for key, c := range snapshot {
		counts := map[census.Health]int{}
		for _, e := range c.Members() {
			counts[e.Health]++
		}
		for _, h := range []census.Health{census.HealthUnknown, census.HealthAlive, census.HealthSuspect, census.HealthConfirmed} {
			obsmetrics.CensusMembers.WithLabelValues(key, h.String()).Set(float64(counts[h]))
		}
	}
}
