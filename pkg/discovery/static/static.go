package static

import (
	"context"
	"strings"

	"github.com/amirimatin/go-census/pkg/discovery"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds(context.Context) ([]string, error) {
	return append([]string(nil), s.seeds...), nil
}

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
	cleaned := make([]string, 0, len(seeds))
	for _, v := range seeds {
		v = strings.TrimSpace(v)
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return &staticSeeds{seeds: cleaned}
}

// Parse converts a comma-separated list into seeds.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
