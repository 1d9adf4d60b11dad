package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePruner struct {
	mu     sync.Mutex
	before []time.Time
	err    error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, before)
	return 3, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRetention_Validation(t *testing.T) {
	if _, err := NewRetention(&fakePruner{}, "not a cron", time.Hour, discardLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := NewRetention(&fakePruner{}, "0 3 * * *", 0, discardLogger()); err == nil {
		t.Error("expected error for zero retention")
	}
}

func TestRetention_Next(t *testing.T) {
	r, err := NewRetention(&fakePruner{}, "0 3 * * *", time.Hour, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if got := r.Next(from); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestRetention_RunOnce(t *testing.T) {
	p := &fakePruner{}
	r, err := NewRetention(p, "0 3 * * *", 48*time.Hour, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if want := now.Add(-48 * time.Hour); !p.before[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.before[0], want)
	}

	p.err = errors.New("db gone")
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Error("expected prune error to surface")
	}
}

func TestRetention_StartStops(t *testing.T) {
	r, err := NewRetention(&fakePruner{}, "* * * * *", time.Hour, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	cancel := r.Start(context.Background())
	cancel()
}
