package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"framechain/internal/media"
	"framechain/internal/model"
	"framechain/internal/planner"
	"framechain/internal/session"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type submission struct {
	Image  string
	Prompt string
}

// fakeJobs names jobs job-0, job-1, ... in submission order. Polls are
// answered by poll, or Done with a cdn url by default.
type fakeJobs struct {
	mu        sync.Mutex
	submitted []submission
	polls     int
	submitErr error
	poll      func(jobID string) (model.TaskResult, error)
}

func (f *fakeJobs) Submit(ctx context.Context, image, prompt string, params model.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	id := fmt.Sprintf("job-%d", len(f.submitted))
	f.submitted = append(f.submitted, submission{Image: image, Prompt: prompt})
	return id, nil
}

func (f *fakeJobs) Poll(ctx context.Context, jobID string) (model.TaskResult, error) {
	f.mu.Lock()
	f.polls++
	poll := f.poll
	f.mu.Unlock()
	if poll != nil {
		return poll(jobID)
	}
	return done(jobID), nil
}

func (f *fakeJobs) setPoll(p func(jobID string) (model.TaskResult, error)) {
	f.mu.Lock()
	f.poll = p
	f.mu.Unlock()
}

func (f *fakeJobs) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

func done(jobID string) model.TaskResult {
	return model.TaskResult{Status: model.ClipDone, Raw: "succeeded", ResultURL: "https://cdn/" + jobID + ".mp4"}
}

// fakeArtifacts uploads to ref://<key> and downloads by copying local
// files or writing the reference itself as content. With signed set,
// every upload gets a distinct ?sig=N suffix like a presigned url.
type fakeArtifacts struct {
	mu        sync.Mutex
	failures  map[string]int
	downloads map[string]int
	uploads   int
	uploadErr error
	signed    bool
}

func (a *fakeArtifacts) Upload(ctx context.Context, localPath, key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return "", a.uploadErr
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	a.uploads++
	if a.signed {
		return fmt.Sprintf("ref://%s?sig=%d", key, a.uploads), nil
	}
	return "ref://" + key, nil
}

func (a *fakeArtifacts) setUploadErr(err error) {
	a.mu.Lock()
	a.uploadErr = err
	a.mu.Unlock()
}

func (a *fakeArtifacts) Download(ctx context.Context, ref, dst string) error {
	a.mu.Lock()
	if a.downloads == nil {
		a.downloads = make(map[string]int)
	}
	a.downloads[ref]++
	if a.failures[ref] > 0 {
		a.failures[ref]--
		a.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	a.mu.Unlock()

	data, err := os.ReadFile(ref)
	if err != nil {
		data = []byte("video:" + ref)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (a *fakeArtifacts) setFailures(ref string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures == nil {
		a.failures = make(map[string]int)
	}
	a.failures[ref] = n
}

func (a *fakeArtifacts) downloadCount(ref string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downloads[ref]
}

// fakeMedia writes small marker files; Concat records the order it was
// given and writes the clips back to back.
type fakeMedia struct {
	mu           sync.Mutex
	processed    []int
	concats      [][]string
	emptyFrameAt map[int]bool
	concatFails  int
}

func (m *fakeMedia) Process(ctx context.Context, raw, dir string, index int) (media.ProcessedClip, error) {
	m.mu.Lock()
	m.processed = append(m.processed, index)
	empty := m.emptyFrameAt[index]
	m.mu.Unlock()
	if empty {
		return media.ProcessedClip{}, media.ErrEmptyFrame
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return media.ProcessedClip{}, err
	}
	out := media.ProcessedClip{
		Silent: filepath.Join(dir, media.SilentName(index)),
		Frame:  filepath.Join(dir, media.FrameName(index)),
	}
	if err := os.WriteFile(out.Silent, append([]byte("silent:"), data...), 0o644); err != nil {
		return media.ProcessedClip{}, err
	}
	if err := os.WriteFile(out.Frame, []byte(fmt.Sprintf("frame:%d", index)), 0o644); err != nil {
		return media.ProcessedClip{}, err
	}
	return out, nil
}

func (m *fakeMedia) Concat(ctx context.Context, clips []string, out string) error {
	m.mu.Lock()
	m.concats = append(m.concats, append([]string(nil), clips...))
	fail := m.concatFails > 0
	if fail {
		m.concatFails--
	}
	m.mu.Unlock()
	if fail {
		return &media.ToolError{Tool: "ffmpeg", Code: 1, Stderr: "Non-monotonous DTS"}
	}
	var parts []string
	for _, c := range clips {
		data, err := os.ReadFile(c)
		if err != nil {
			return err
		}
		parts = append(parts, string(data))
	}
	return os.WriteFile(out, []byte(strings.Join(parts, "|")), 0o644)
}

type harness struct {
	orch      *Orchestrator
	store     *session.MemoryStore
	jobs      *fakeJobs
	artifacts *fakeArtifacts
	media     *fakeMedia
	start     string
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	start := filepath.Join(dir, "start.jpg")
	if err := os.WriteFile(start, jpegHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:     session.NewMemoryStore(),
		jobs:      &fakeJobs{},
		artifacts: &fakeArtifacts{},
		media:     &fakeMedia{},
		start:     start,
	}
	log := quietLogger()
	h.orch = NewOrchestrator(Deps{
		Store:     h.store,
		Planner:   planner.New(nil, 0, log),
		Jobs:      h.jobs,
		Media:     h.media,
		Artifacts: h.artifacts,
	}, testOptions(dir), log)
	return h
}

func testOptions(dir string) Options {
	return Options{
		Workdir:         filepath.Join(dir, "work"),
		MaxClips:        12,
		PollInterval:    time.Millisecond,
		MaxWait:         50 * time.Millisecond,
		DownloadRetries: 2,
		RetryInterval:   time.Millisecond,
	}
}

func (h *harness) create(t *testing.T, mode model.Mode, description string, n int) *model.WorkflowState {
	t.Helper()
	st, err := h.orch.Create(context.Background(), CreateRequest{
		Mode:  mode,
		Scene: model.SceneRequest{Description: description, ClipCount: n, StartingImage: h.start},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return st
}
