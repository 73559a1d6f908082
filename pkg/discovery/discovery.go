// Package discovery provides the seed addresses a node joins the gossip
// ring through.
package discovery

import (
	"context"
	"sort"
	"strings"
)

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
	Seeds(ctx context.Context) ([]string, error)
}

// Func adapts a plain function to Discovery.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Seeds(ctx context.Context) ([]string, error) { return f(ctx) }

// Normalize trims, de-duplicates and sorts seed addresses, dropping empties
// and self when self is non-empty.
func Normalize(seeds []string, self string) []string {
	set := make(map[string]struct{}, len(seeds))
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		s = strings.TrimSpace(s)
		if s == "" || s == self {
			continue
		}
		if _, dup := set[s]; dup {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
