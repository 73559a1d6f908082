package file

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-census/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a file (or glob) with one seed per line or comma-separated
	// lists. Lines starting with # are comments.
	Path string
	// Env overrides the file when the variable is set and non-empty.
	Env string
	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	return &impl{opts: opts}
}

func (i *impl) Seeds(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return discovery.Normalize(strings.Split(v, ","), ""), nil
		}
	}
	if i.opts.Path == "" {
		return nil, nil
	}
	now := time.Now()
	if stat, err := os.Stat(i.opts.Path); err == nil {
		if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
			seeds, err := loadFile(i.opts.Path)
			if err != nil {
				return append([]string(nil), i.cache...), err
			}
			i.cache, i.last, i.mtime = seeds, now, stat.ModTime()
		}
		return append([]string(nil), i.cache...), nil
	}
	matches, err := filepath.Glob(i.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("discovery/file: %w", err)
	}
	if len(matches) == 0 {
		return append([]string(nil), i.cache...), nil
	}
	var all []string
	for _, m := range matches {
		seeds, err := loadFile(m)
		if err != nil {
			return append([]string(nil), i.cache...), err
		}
		all = append(all, seeds...)
	}
	i.cache, i.last = discovery.Normalize(all, ""), now
	return append([]string(nil), i.cache...), nil
}

func loadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("discovery/file: %w", err)
	}
	defer f.Close()
	var seeds []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, strings.Split(line, ",")...)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("discovery/file: read %s: %w", path, err)
	}
	return discovery.Normalize(seeds, ""), nil
}
