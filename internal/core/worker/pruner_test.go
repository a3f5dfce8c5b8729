package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/ticketbot/internal/core/clock"
)

type stubPruneRepo struct {
	cutoff time.Time
	n      int64
	err    error
	calls  int
}

func (s *stubPruneRepo) PruneResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	s.calls++
	s.cutoff = cutoff
	return s.n, s.err
}

func TestPruner_Cutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubPruneRepo{n: 4}
	p := NewPruner(48*time.Hour, time.Hour, repo, clock.NewFixed(now))

	if got := p.Prune(context.Background()); got != 4 {
		t.Errorf("expected 4 pruned, got %d", got)
	}
	if want := now.Add(-48 * time.Hour); !repo.cutoff.Equal(want) {
		t.Errorf("cutoff = %s, want %s", repo.cutoff, want)
	}
}

func TestPruner_Disabled(t *testing.T) {
	repo := &stubPruneRepo{}
	p := NewPruner(0, 0, repo, nil)

	p.Start(context.Background()) // returns immediately
	if p.Prune(context.Background()) != 0 || repo.calls != 0 {
		t.Errorf("disabled pruner touched the store (%d calls)", repo.calls)
	}
}

func TestPruner_Error(t *testing.T) {
	repo := &stubPruneRepo{n: 9, err: errors.New("db down")}
	p := NewPruner(time.Hour, 0, repo, nil)

	if got := p.Prune(context.Background()); got != 0 {
		t.Errorf("expected 0 on error, got %d", got)
	}
}

func TestNewPruner_DerivedInterval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{30 * 24 * time.Hour, time.Hour},
		{2 * time.Hour, 12 * time.Minute},
		{time.Minute, time.Minute},
	}
	for _, tt := range tests {
		p := NewPruner(tt.retention, 0, &stubPruneRepo{}, nil)
		if p.interval != tt.want {
			t.Errorf("retention %s: interval = %s, want %s", tt.retention, p.interval, tt.want)
		}
	}
}
