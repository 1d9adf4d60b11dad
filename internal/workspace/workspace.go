// Package workspace allocates and isolates per-user filesystem roots.
//
// Layout: <root>/users/<hash>/ where <hash> is derived from the sanitized
// user id, so the same user always lands in the same directory. Every path
// operation resolves symlinks and checks the result is still under the
// user's root before touching the filesystem.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jkaninda/warp/internal/apperr"
)

const (
	maxUserIDLength = 32
	hashLength      = 12

	// DefaultQuotaBytes is the per-user storage ceiling when none is configured.
	DefaultQuotaBytes int64 = 500 << 20

	// maxReadBytes caps ReadFile so a single request cannot pull a huge file into memory.
	maxReadBytes = 10 << 20

	welcomeFile = "README.md"
)

var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrNotFound      = errors.New("path not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrFileTooLarge  = errors.New("file too large")
)

// errOutside is the access-denied result for any path leaving the workspace.
func errOutside() error {
	return apperr.New(apperr.KindAccessDenied, "Access denied: Cannot leave your workspace")
}

// Store creates user workspaces under a single root directory.
type Store struct {
	root       string
	quotaBytes int64

	mu      sync.Mutex
	created map[string]bool // user hashes whose directory has been ensured
}

// NewStore creates a Store rooted at root (~ is expanded). The root is
// created with 0750 permissions if it does not exist.
func NewStore(root string, quotaBytes int64) (*Store, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(resolved, "users"), 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	// Store the physical path so prefix checks agree with EvalSymlinks output.
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	return &Store{
		root:       resolved,
		quotaBytes: quotaBytes,
		created:    make(map[string]bool),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// QuotaBytes returns the per-user storage ceiling.
func (s *Store) QuotaBytes() int64 { return s.quotaBytes }

// Ensure returns the workspace for userID, creating it with owner-only
// permissions and a welcome README on first use, or again if the directory
// has since disappeared.
func (s *Store) Ensure(userID string) (*Workspace, error) {
	clean := SanitizeUserID(userID)
	if clean == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	hash := UserHash(clean)
	ws := &Workspace{
		Root:       filepath.Join(s.root, "users", hash),
		UserID:     clean,
		Hash:       hash,
		QuotaBytes: s.quotaBytes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[hash] {
		if fi, err := os.Stat(ws.Root); err == nil && fi.IsDir() {
			return ws, nil
		}
		// Removed behind our back; recreate it below.
		delete(s.created, hash)
	}

	if err := os.MkdirAll(ws.Root, 0700); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", ws.Root, err)
	}
	// MkdirAll is subject to umask and leaves existing directories alone.
	if err := os.Chmod(ws.Root, 0700); err != nil {
		return nil, fmt.Errorf("restricting workspace %s: %w", ws.Root, err)
	}
	if err := ws.seedWelcome(); err != nil {
		return nil, err
	}
	s.created[hash] = true
	return ws, nil
}

// SanitizeUserID keeps only [A-Za-z0-9-_] and caps the result at 32 characters.
func SanitizeUserID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() >= maxUserIDLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UserHash returns the first 12 hex characters of sha256(id).
func UserHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:hashLength]
}

// Workspace is one user's isolated filesystem root.
type Workspace struct {
	Root       string
	UserID     string
	Hash       string
	QuotaBytes int64
}

func (w *Workspace) seedWelcome() error {
	p := filepath.Join(w.Root, welcomeFile)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	body := fmt.Sprintf(`# Welcome to your workspace

User: %s

This is a secure workspace. Commands run inside this directory and cannot
reach files belonging to other users.

Storage limit: %d MB

## Getting started

    ls -la          list files
    mkdir my-app    create a project directory
    cd my-app       move into it
    /quota          show storage usage
`, w.UserID, w.QuotaBytes>>20)
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		return fmt.Errorf("writing welcome file: %w", err)
	}
	return nil
}

// Resolve resolves target relative to base (an absolute path inside the
// workspace). "~" and "" mean the workspace root, "~/x" and "/x" are rooted
// at the workspace, anything else is relative to base. Symlinks are
// resolved before the containment check. The path need not exist.
func (w *Workspace) Resolve(base, target string) (string, error) {
	target = strings.TrimSpace(target)
	var p string
	switch {
	case target == "" || target == "~":
		return w.Root, nil
	case strings.HasPrefix(target, "~/"):
		p = filepath.Join(w.Root, target[2:])
	case filepath.IsAbs(target):
		p = filepath.Join(w.Root, target)
	default:
		if base == "" {
			base = w.Root
		}
		p = filepath.Join(base, target)
	}
	if !isPathWithin(p, w.Root) {
		return "", errOutside()
	}
	return w.evalWithin(p)
}

// evalWithin resolves symlinks on the longest existing prefix of p and
// re-checks containment.
func (w *Workspace) evalWithin(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		if !isPathWithin(resolved, w.Root) {
			return "", errOutside()
		}
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	// A dangling symlink could point anywhere once its target is created.
	if _, lerr := os.Lstat(p); lerr == nil {
		return "", errOutside()
	}
	parent, err := w.evalWithin(filepath.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(p)), nil
}

// Display renders an absolute workspace path as "~/rel" (or "~").
func (w *Workspace) Display(p string) string {
	rel, err := filepath.Rel(w.Root, p)
	if err != nil || rel == "." {
		return "~"
	}
	return "~/" + filepath.ToSlash(rel)
}

// Quota reports storage usage for a workspace.
type Quota struct {
	Used       int64 `json:"used"`
	Remaining  int64 `json:"remaining"`
	Quota      int64 `json:"quota"`
	Percentage int   `json:"percentage"`
}

// Usage sums file sizes under the workspace.
func (w *Workspace) Usage() (Quota, error) {
	var used int64
	err := filepath.WalkDir(w.Root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are skipped, not fatal.
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				used += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return Quota{}, fmt.Errorf("computing usage: %w", err)
	}
	q := Quota{Used: used, Quota: w.QuotaBytes}
	q.Remaining = max(w.QuotaBytes-used, 0)
	if w.QuotaBytes > 0 {
		q.Percentage = int(math.Round(float64(used) / float64(w.QuotaBytes) * 100))
	}
	return q, nil
}

// FileInfo describes a directory entry returned by ListFiles.
type FileInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	IsFile      bool   `json:"isFile"`
	Size        int64  `json:"size"`
}

// ListFiles lists the entries of a directory inside the workspace.
func (w *Workspace) ListFiles(rel string) ([]FileInfo, error) {
	dir, err := w.Resolve(w.Root, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:        e.Name(),
			Path:        w.Display(filepath.Join(dir, e.Name())),
			IsDirectory: e.IsDir(),
			IsFile:      info.Mode().IsRegular(),
			Size:        info.Size(),
		})
	}
	return out, nil
}

// ReadFile reads a file inside the workspace.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	p, err := w.Resolve(w.Root, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.Size() > maxReadBytes {
		return nil, ErrFileTooLarge
	}
	return os.ReadFile(p)
}

// WriteFile writes data to a file inside the workspace, creating parent
// directories. The write is refused if it would push usage past the quota.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	p, err := w.Resolve(w.Root, rel)
	if err != nil {
		return err
	}
	if p == w.Root {
		return fmt.Errorf("cannot write to workspace root")
	}
	q, err := w.Usage()
	if err != nil {
		return err
	}
	var existing int64
	if info, err := os.Stat(p); err == nil {
		existing = info.Size()
	}
	if q.Used-existing+int64(len(data)) > w.QuotaBytes {
		return ErrQuotaExceeded
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	return os.WriteFile(p, data, 0600)
}

// isPathWithin reports whether path is root or inside it. A plain prefix
// test would accept /workspace-evil as inside /workspace.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
