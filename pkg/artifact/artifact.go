// Package artifact persists generated configuration and service files.
//
// A write is skipped when the destination already holds identical bytes.
// Otherwise the content goes to a temporary file next to the destination,
// which is given its owner and mode, synced and renamed over it, so readers
// only ever observe the old or the new content. A failed attempt leaves the
// destination untouched. When the content already matches, drifted owner or
// mode bits are repaired in place.
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// DefaultMode restricts artifacts to owner and group read/write.
const DefaultMode fs.FileMode = 0o640

var ErrEmptyPath = errors.New("artifact: empty path")

// Owner names the unprivileged user and group that own written artifacts.
// An empty Owner leaves ownership to the writing process.
type Owner struct {
	User  string
	Group string
}

func (o Owner) IsZero() bool { return o.User == "" && o.Group == "" }

// Options configures a Writer. Zero values select defaults.
type Options struct {
	Mode   fs.FileMode
	Logger *zap.Logger
	// Lookup resolves an Owner to numeric ids; the default uses os/user.
	Lookup func(Owner) (uid, gid int, err error)
	// Chown defaults to os.Chown.
	Chown func(path string, uid, gid int) error
}

// Writer writes artifacts with the checksum-gated atomic protocol.
type Writer struct {
	mode   fs.FileMode
	logger *zap.Logger
	lookup func(Owner) (int, int, error)
	chown  func(string, int, int) error
}

// New returns a Writer.
func New(opts Options) *Writer {
	if opts.Mode == 0 {
		opts.Mode = DefaultMode
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Lookup == nil {
		opts.Lookup = LookupOwner
	}
	if opts.Chown == nil {
		opts.Chown = os.Chown
	}
	return &Writer{mode: opts.Mode, logger: opts.Logger, lookup: opts.Lookup, chown: opts.Chown}
}

// Hash returns the hex BLAKE2b-256 digest of b.
func Hash(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the digest of the file at path. A missing file yields an
// empty hash and no error.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write stores body at path unless the file already holds the same content.
// It reports whether the content of the destination changed.
func (w *Writer) Write(path string, body []byte, owner Owner) (bool, error) {
	if path == "" {
		return false, ErrEmptyPath
	}
	uid, gid := -1, -1
	if !owner.IsZero() {
		var err error
		if uid, gid, err = w.lookup(owner); err != nil {
			return false, fmt.Errorf("artifact: resolve owner %s:%s: %w", owner.User, owner.Group, err)
		}
	}
	current, err := HashFile(path)
	if err != nil {
		return false, fmt.Errorf("artifact: hash %s: %w", path, err)
	}
	next := Hash(body)
	if current == next {
		return false, w.repair(path, uid, gid)
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".write-*")
	if err != nil {
		return false, fmt.Errorf("artifact: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("artifact: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("artifact: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("artifact: close %s: %w", tmpName, err)
	}
	if uid >= 0 || gid >= 0 {
		if err := w.chown(tmpName, uid, gid); err != nil {
			return false, fmt.Errorf("artifact: chown %s: %w", path, err)
		}
	}
	if err := os.Chmod(tmpName, w.mode); err != nil {
		return false, fmt.Errorf("artifact: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, fmt.Errorf("artifact: rename %s: %w", path, err)
	}
	committed = true
	w.logger.Debug("artifact updated", zap.String("path", path), zap.String("blake2b", next))
	return true, nil
}

// repair re-applies owner and mode to an up-to-date file whose attributes
// drifted, for example after an earlier failed attempt or a manual edit.
func (w *Writer) repair(path string, uid, gid int) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("artifact: stat %s: %w", path, err)
	}
	if cu, cg, ok := fileOwner(st); ok && ((uid >= 0 && uid != cu) || (gid >= 0 && gid != cg)) {
		if err := w.chown(path, uid, gid); err != nil {
			return fmt.Errorf("artifact: chown %s: %w", path, err)
		}
		w.logger.Debug("artifact owner repaired", zap.String("path", path))
	}
	if st.Mode().Perm() != w.mode.Perm() {
		if err := os.Chmod(path, w.mode); err != nil {
			return fmt.Errorf("artifact: chmod %s: %w", path, err)
		}
		w.logger.Debug("artifact mode repaired", zap.String("path", path))
	}
	return nil
}

// LookupOwner resolves user and group names (or numeric ids) with os/user.
// An empty field maps to -1, which os.Chown leaves unchanged.
func LookupOwner(o Owner) (int, int, error) {
	uid, gid := -1, -1
	if o.User != "" {
		u, err := user.Lookup(o.User)
		if err != nil {
			if u, err = user.LookupId(o.User); err != nil {
				return 0, 0, err
			}
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return 0, 0, err
		}
	}
	if o.Group != "" {
		g, err := user.LookupGroup(o.Group)
		if err != nil {
			if g, err = user.LookupGroupId(o.Group); err != nil {
				return 0, 0, err
			}
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return 0, 0, err
		}
	}
	return uid, gid, nil
}
