package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/mediaingest/transcoderd/internal/model"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		v, want int
	}{
		{0, 1},
		{1, 1},
		{3, 3},
		{4, 4},
		{10, 4},
		{-2, 1},
	}
	for _, tt := range tests {
		if got := clamp(tt.v, 1, maxConcurrentCap); got != tt.want {
			t.Errorf("clamp(%d) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestPool_StartAndStopWorker(t *testing.T) {
	s := newTestStore(t)
	pool := NewPool(s, NewRunner(s, nil, nil), time.Millisecond)

	w := &model.Worker{Name: "w1", Active: true, MaxConcurrent: 2}
	if err := s.CreateWorker(w); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.StartWorker(ctx, w.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !pool.Running(w.ID) {
		t.Error("expected worker running")
	}

	// Starting again is a no-op.
	if err := pool.StartWorker(ctx, w.ID); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	pool.StopWorker(w.ID)
	if pool.Running(w.ID) {
		t.Error("expected worker stopped")
	}

	got, _ := s.GetWorker(w.ID)
	if got.Status != model.WorkerIdle {
		t.Errorf("expected idle after stop, got %s", got.Status)
	}
}

func TestPool_StartWorker_Unknown(t *testing.T) {
	s := newTestStore(t)
	pool := NewPool(s, NewRunner(s, nil, nil), time.Millisecond)

	if err := pool.StartWorker(context.Background(), 999); err == nil {
		t.Error("expected error for unknown worker")
	}
}

func TestPool_StartActive(t *testing.T) {
	s := newTestStore(t)
	pool := NewPool(s, NewRunner(s, nil, nil), time.Millisecond)

	on := &model.Worker{Name: "on", Active: true, MaxConcurrent: 1}
	off := &model.Worker{Name: "off", Active: false, MaxConcurrent: 1}
	s.CreateWorker(on)
	s.CreateWorker(off)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer pool.Stop()

	if err := pool.StartActive(ctx); err != nil {
		t.Fatalf("start active failed: %v", err)
	}
	if !pool.Running(on.ID) {
		t.Error("expected active worker running")
	}
	if pool.Running(off.ID) {
		t.Error("expected inactive worker not running")
	}
}

func TestPool_CancelJob_Pending(t *testing.T) {
	s := newTestStore(t)
	pool := NewPool(s, NewRunner(s, nil, nil), time.Millisecond)

	src := &model.Source{Name: "drop", Path: "/media/drop"}
	if err := s.CreateSource(src); err != nil {
		t.Fatal(err)
	}
	job, _, err := s.InsertJobIfAbsent(&model.Job{
		SourceID:      src.ID,
		InputFilename: "clip.mxf",
		InputPath:     "/media/drop/clip.mxf",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.CancelJob(job.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}
