package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amirimatin/go-census/pkg/census"
)

// RenderInput is everything a Renderer may draw on for one service.
type RenderInput struct {
	Spec   ServiceSpec
	Census *census.Census
	// Gossip is the replicated service configuration body, nil when none was
	// published for the group.
	Gossip []byte
}

// Renderer turns package defaults, gossip configuration and census data into
// the bytes of the service's configuration file.
type Renderer interface {
	Render(ctx context.Context, in RenderInput) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, in RenderInput) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, in RenderInput) ([]byte, error) { return f(ctx, in) }

// JSONRenderer renders a JSON document of the form
//
//	{"cfg": <defaults merged with gossip config>, "svc": <census>,
//	 "leader": "<id>", "update_leader": "<id>"}
//
// Defaults are read from Spec.DefaultsFile and must hold a JSON object; so
// must the gossip body. Gossip keys override defaults, nested objects are
// merged key by key. Output is stable for identical input.
type JSONRenderer struct{}

func (JSONRenderer) Render(_ context.Context, in RenderInput) ([]byte, error) {
	cfg, err := readObject(in.Spec.DefaultsFile)
	if err != nil {
		return nil, err
	}
	if len(in.Gossip) > 0 {
		var gossip map[string]any
		if err := json.Unmarshal(in.Gossip, &gossip); err != nil {
			return nil, fmt.Errorf("reconcile: gossip config for %s: %w", in.Spec.ServiceGroup, err)
		}
		cfg = merge(cfg, gossip)
	}
	svc, err := censusView(in.Census)
	if err != nil {
		return nil, err
	}
	view := struct {
		Cfg          map[string]any `json:"cfg"`
		Svc          any            `json:"svc"`
		Leader       string         `json:"leader,omitempty"`
		UpdateLeader string         `json:"update_leader,omitempty"`
	}{Cfg: cfg, Svc: svc}
	if in.Census != nil {
		if l, ok := in.Census.Leader(); ok {
			view.Leader = l.MemberID
		}
		if l, ok := in.Census.UpdateLeader(); ok {
			view.UpdateLeader = l.MemberID
		}
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// censusView is the census as rendered into configuration. The initialized
// flag is local bookkeeping that flips once after the first restart; leaving
// it out keeps it from changing the rendered config on its own.
func censusView(c *census.Census) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var view struct {
		ServiceGroup string           `json:"service_group"`
		Self         string           `json:"me"`
		Members      []map[string]any `json:"members"`
	}
	if err := json.Unmarshal(b, &view); err != nil {
		return nil, err
	}
	for _, m := range view.Members {
		delete(m, "initialized")
	}
	return view, nil
}

func readObject(path string) (map[string]any, error) {
	out := map[string]any{}
	if path == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reconcile: defaults file %s: %w", path, err)
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("reconcile: defaults file %s: %w", path, err)
	}
	return out, nil
}

// merge copies src over dst, descending into objects present on both sides.
func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = merge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
