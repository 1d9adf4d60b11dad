package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/warp/internal/apperr"
)

func newTestStore(t *testing.T, quota int64) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "efs"), quota)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSanitizeUserID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"bob@example.com", "bobexamplecom"},
		{"../../etc", "etc"},
		{"a_b-C9", "a_b-C9"},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
		{"!!!", ""},
	}
	for _, tc := range tests {
		if got := SanitizeUserID(tc.in); got != tc.want {
			t.Errorf("SanitizeUserID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEnsureDeterministic(t *testing.T) {
	s := newTestStore(t, 0)

	a, err := s.Ensure("alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	b, err := s.Ensure("alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if a.Root != b.Root {
		t.Errorf("roots differ: %q vs %q", a.Root, b.Root)
	}
	if len(a.Hash) != 12 {
		t.Errorf("hash length = %d, want 12", len(a.Hash))
	}
	other, _ := s.Ensure("bob")
	if other.Root == a.Root {
		t.Error("different users share a workspace")
	}

	info, err := os.Stat(a.Root)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("workspace permissions = %o, want 0700", perm)
	}
	if _, err := os.Stat(filepath.Join(a.Root, "README.md")); err != nil {
		t.Errorf("welcome file missing: %v", err)
	}
}

func TestEnsureRecreatesRemovedWorkspace(t *testing.T) {
	s := newTestStore(t, 0)
	ws, err := s.Ensure("alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		t.Fatal(err)
	}

	again, err := s.Ensure("alice")
	if err != nil {
		t.Fatalf("Ensure after removal: %v", err)
	}
	info, err := os.Stat(again.Root)
	if err != nil || !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Fatalf("workspace not recreated: %v %v", info, err)
	}
	if _, err := os.Stat(filepath.Join(again.Root, "README.md")); err != nil {
		t.Errorf("welcome file missing: %v", err)
	}
}

func TestEnsureRejectsEmptyID(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.Ensure("@@@"); !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("err = %v, want ErrInvalidUserID", err)
	}
}

func TestResolve(t *testing.T) {
	s := newTestStore(t, 0)
	ws, _ := s.Ensure("alice")
	sub := filepath.Join(ws.Root, "app")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		base   string
		target string
		want   string
		denied bool
	}{
		{"home", sub, "~", ws.Root, false},
		{"empty", sub, "", ws.Root, false},
		{"relative", ws.Root, "app", sub, false},
		{"tilde child", sub, "~/app", sub, false},
		{"absolute is rooted", sub, "/app", sub, false},
		{"parent inside", sub, "..", ws.Root, false},
		{"escape", ws.Root, "..", "", true},
		{"deep escape", sub, "/../../etc", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ws.Resolve(tc.base, tc.target)
			if tc.denied {
				if apperr.KindOf(err) != apperr.KindAccessDenied {
					t.Fatalf("err = %v, want AccessDenied", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tc.want {
				t.Errorf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	s := newTestStore(t, 0)
	ws, _ := s.Ensure("alice")
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(ws.Root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := ws.Resolve(ws.Root, "link"); apperr.KindOf(err) != apperr.KindAccessDenied {
		t.Errorf("err = %v, want AccessDenied", err)
	}
	if _, err := ws.Resolve(ws.Root, "link/new.txt"); apperr.KindOf(err) != apperr.KindAccessDenied {
		t.Errorf("err = %v, want AccessDenied for path under link", err)
	}
}

func TestUsageAndWriteQuota(t *testing.T) {
	s := newTestStore(t, 4096)
	ws, _ := s.Ensure("alice")
	if err := os.Remove(filepath.Join(ws.Root, "README.md")); err != nil {
		t.Fatal(err)
	}

	if err := ws.WriteFile("src/a.txt", make([]byte, 1024)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	q, err := ws.Usage()
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 1024 || q.Remaining != 3072 || q.Percentage != 25 {
		t.Errorf("quota = %+v", q)
	}

	if err := ws.WriteFile("big.bin", make([]byte, 4000)); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
	// Overwriting counts the replaced size.
	if err := ws.WriteFile("src/a.txt", make([]byte, 4000)); err != nil {
		t.Errorf("overwrite within quota: %v", err)
	}
}

func TestListAndReadFiles(t *testing.T) {
	s := newTestStore(t, 0)
	ws, _ := s.Ensure("alice")
	if err := ws.WriteFile("app/main.go", []byte("package main")); err != nil {
		t.Fatal(err)
	}

	entries, err := ws.ListFiles("")
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]FileInfo{}
	for _, e := range entries {
		found[e.Name] = e
	}
	if !found["app"].IsDirectory || !found["README.md"].IsFile {
		t.Errorf("entries = %+v", entries)
	}

	data, err := ws.ReadFile("app/main.go")
	if err != nil || string(data) != "package main" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
	if _, err := ws.ReadFile("missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := ws.ListFiles("/../.."); apperr.KindOf(err) != apperr.KindAccessDenied {
		t.Errorf("err = %v, want AccessDenied", err)
	}
}

func TestDisplay(t *testing.T) {
	ws := &Workspace{Root: "/efs/users/abc"}
	if got := ws.Display("/efs/users/abc"); got != "~" {
		t.Errorf("Display(root) = %q", got)
	}
	if got := ws.Display("/efs/users/abc/app/src"); got != "~/app/src" {
		t.Errorf("Display(child) = %q", got)
	}
}
