package census

import (
	"context"
	"errors"

	"go.uber.org/zap"

	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
)

// ErrIngesterClosed is returned by Submit once Run has returned.
var ErrIngesterClosed = errors.New("census: ingester closed")

// IngesterOptions configures an Ingester. Zero values select defaults.
type IngesterOptions struct {
	// Buffer is the capacity of the inbound fact queue (default 256).
	Buffer int
	Logger *zap.Logger
}

// Ingester is the single writer of a List. Facts from any number of producers
// are queued and applied serially by Run; readers learn about changes through
// Changed.
type Ingester struct {
	list    *List
	in      chan Fact
	changed chan Update
	done    chan struct{}
	logger  *zap.Logger
}

// NewIngester returns an ingester feeding list.
func NewIngester(list *List, opts IngesterOptions) *Ingester {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ingester{
		list:    list,
		in:      make(chan Fact, opts.Buffer),
		changed: make(chan Update, 1),
		done:    make(chan struct{}),
		logger:  opts.Logger,
	}
}

// List returns the registry this ingester writes to.
func (i *Ingester) List() *List { return i.list }

// Submit queues f, blocking until there is room or ctx is done.
func (i *Ingester) Submit(ctx context.Context, f Fact) error {
	select {
	case <-i.done:
		return ErrIngesterClosed
	default:
	}
	select {
	case i.in <- f:
		return nil
	case <-i.done:
		return ErrIngesterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues f without blocking and reports whether it was accepted.
func (i *Ingester) TrySubmit(f Fact) bool {
	select {
	case <-i.done:
		return false
	default:
	}
	select {
	case i.in <- f:
		return true
	default:
		obsmetrics.FactsDropped.Inc()
		i.logger.Warn("census: dropping fact, queue full", zap.String("kind", string(f.Kind())))
		return false
	}
}

// Changed delivers the change token after facts were applied. Only the latest
// token is kept; a slow reader observes fewer, newer tokens.
func (i *Ingester) Changed() <-chan Update { return i.changed }

// Run applies queued facts until ctx is done.
func (i *Ingester) Run(ctx context.Context) error {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-i.in:
			i.apply(f)
		}
	}
}

func (i *Ingester) apply(f Fact) {
	kind := string(f.Kind())
	applied, err := i.list.Apply(f)
	switch {
	case err != nil:
		obsmetrics.FactsApplied.WithLabelValues(kind, "rejected").Inc()
		i.logger.Warn("census: fact rejected", zap.String("kind", kind), zap.Error(err))
		return
	case !applied:
		obsmetrics.FactsApplied.WithLabelValues(kind, "ignored").Inc()
		return
	}
	obsmetrics.FactsApplied.WithLabelValues(kind, "applied").Inc()
	i.notify(i.list.ChangeToken())
}

func (i *Ingester) notify(u Update) {
	select {
	case <-i.changed:
	default:
	}
	select {
	case i.changed <- u:
	default:
	}
}
