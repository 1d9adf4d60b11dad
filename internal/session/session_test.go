package session

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "efs"), 0)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store, Config{}, discardLogger())
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Cwd() != s.Workspace.Root {
		t.Errorf("cwd = %q, want workspace root %q", s.Cwd(), s.Workspace.Root)
	}
	if s.ProcessTimeout != DefaultProcessTimeout {
		t.Errorf("ProcessTimeout = %s", s.ProcessTimeout)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}

	if _, err := m.Get("missing"); apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Errorf("err = %v, want SessionNotFound", err)
	}
}

func TestCreateReplacesPreviousSession(t *testing.T) {
	m := newTestManager(t)
	var closedIDs []string
	m.OnClose(func(s *Session) { closedIDs = append(closedIDs, s.ID) })

	first, _ := m.Create("alice")
	second, _ := m.Create("alice")

	if first.ID == second.ID {
		t.Fatal("expected a fresh session id")
	}
	if first.Workspace.Root != second.Workspace.Root {
		t.Error("workspace should be reused for the same user")
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
	if _, err := m.Get(first.ID); apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Errorf("old session still reachable: %v", err)
	}
	if len(closedIDs) != 1 || closedIDs[0] != first.ID {
		t.Errorf("closed hooks = %v", closedIDs)
	}
}

func TestEvictIdle(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	idle, _ := m.Create("idle")
	active, _ := m.Create("active")
	busy, _ := m.Create("busy")
	release, err := busy.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	now = base.Add(20 * time.Minute)
	if _, err := m.Get(active.ID); err != nil {
		t.Fatal(err)
	}

	now = base.Add(40 * time.Minute)
	if n := m.EvictIdle(30 * time.Minute); n != 1 {
		t.Fatalf("EvictIdle = %d, want 1", n)
	}
	if _, err := m.Get(idle.ID); apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Errorf("idle session not evicted: %v", err)
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Errorf("busy session evicted: %v", err)
	}

	// Once released and idle again, it goes.
	release()
	now = base.Add(2 * time.Hour)
	if n := m.EvictIdle(30 * time.Minute); n != 2 {
		t.Errorf("EvictIdle = %d, want 2", n)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Create("alice")

	release, err := s.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(); apperr.KindOf(err) != apperr.KindSessionBusy {
		t.Errorf("err = %v, want SessionBusy", err)
	}
	release()
	release() // idempotent
	r2, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}

func TestConcurrentAcquire(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Create("alice")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Acquire(); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Create("alice")
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(s.ID); apperr.KindOf(err) != apperr.KindSessionNotFound {
		t.Errorf("second delete err = %v", err)
	}
}
