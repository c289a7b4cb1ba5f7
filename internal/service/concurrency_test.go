package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"framechain/internal/model"
	"framechain/internal/planner"
	"framechain/internal/session"
)

// Two orchestrators sharing a file store stand in for two processes
// pointed at the same session directory.
func TestTwoOrchestratorsNeverDoubleSubmit(t *testing.T) {
	dir := t.TempDir()
	start := filepath.Join(dir, "start.jpg")
	if err := os.WriteFile(start, jpegHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	jobs := &fakeJobs{}
	jobs.setPoll(func(jobID string) (model.TaskResult, error) {
		time.Sleep(2 * time.Millisecond)
		return done(jobID), nil
	})
	artifacts := &fakeArtifacts{}
	med := &fakeMedia{}
	log := quietLogger()
	newOrch := func() *Orchestrator {
		return NewOrchestrator(Deps{
			Store:     store,
			Planner:   planner.New(nil, 0, log),
			Jobs:      jobs,
			Media:     med,
			Artifacts: artifacts,
		}, testOptions(dir), log)
	}
	orchs := []*Orchestrator{newOrch(), newOrch()}

	ctx := context.Background()
	created, err := orchs[0].Create(ctx, CreateRequest{
		Mode:  model.ModeAuto,
		Scene: model.SceneRequest{Description: catScene, ClipCount: 3, StartingImage: start},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(orchs))
	for i, o := range orchs {
		wg.Add(1)
		go func(i int, o *Orchestrator) {
			defer wg.Done()
			_, errs[i] = o.Run(ctx, created.ID)
		}(i, o)
	}
	wg.Wait()

	for i, err := range errs {
		// 落后的一方看到已完成的会话
		if err != nil && !errors.Is(err, ErrPrecondition) {
			t.Fatalf("orchestrator %d: %v", i, err)
		}
	}
	if n := len(jobs.submissions()); n != 3 {
		t.Fatalf("submitted %d jobs for 3 clips", n)
	}
	st, err := store.Load(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.StatusCompleted || !st.AllDone() {
		t.Fatalf("unexpected final state: %s", st.Status)
	}
	seen := map[string]bool{}
	for i, clip := range st.Clips {
		if clip.JobID == "" || seen[clip.JobID] {
			t.Fatalf("clip %d has job %q", i, clip.JobID)
		}
		seen[clip.JobID] = true
	}
}
