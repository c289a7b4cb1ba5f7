package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"framechain/internal/model"
)

const catScene = "a cat wakes up, stretches, jumps off the bed"

func TestCatScenarioChainsFramesAndCombinesInOrder(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, model.ModeAuto, catScene, 3)

	st, err := h.orch.Run(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != model.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	if st.Plan.Source != model.PlanFromFallback || len(st.Plan.Prompts) != 3 {
		t.Fatalf("unexpected plan %+v", st.Plan)
	}

	subs := h.jobs.submissions()
	if len(subs) != 3 {
		t.Fatalf("submitted %d clips, want 3", len(subs))
	}
	if subs[0].Image != "ref://"+st.ID+"/start.jpg" {
		t.Fatalf("clip 0 started from %q", subs[0].Image)
	}
	for i := 1; i < 3; i++ {
		key := fmt.Sprintf("%s/frames/clip_%02d_last.jpg", st.ID, i-1)
		if subs[i].Image != "ref://"+key || st.Clips[i-1].LastFrameRef != key || st.Clips[i].InputImage != key {
			t.Fatalf("clip %d started from %q, want last frame of clip %d (%q)", i, subs[i].Image, i-1, key)
		}
		if subs[i].Prompt != st.Plan.Prompts[i] {
			t.Fatalf("clip %d prompt = %q", i, subs[i].Prompt)
		}
	}
	if st.Chain.FromClip != 2 || st.Chain.Image != st.Clips[2].LastFrameRef {
		t.Fatalf("chain not at the last clip: %+v", st.Chain)
	}

	if len(h.media.concats) != 1 {
		t.Fatalf("concat called %d times", len(h.media.concats))
	}
	if !reflect.DeepEqual(h.media.concats[0], st.SilentClips()) {
		t.Fatalf("concat order %v, want %v", h.media.concats[0], st.SilentClips())
	}
	for i, c := range h.media.concats[0] {
		if !strings.HasSuffix(c, fmt.Sprintf("clip_%02d_silent.mp4", i)) {
			t.Fatalf("concat input %d = %s", i, c)
		}
	}
	if _, err := os.Stat(st.FinalArtifact); err != nil {
		t.Fatalf("final artifact missing: %v", err)
	}
}

func TestGenerationFailureAtClipOneStopsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.jobs.setPoll(func(jobID string) (model.TaskResult, error) {
		if jobID == "job-1" {
			return model.TaskResult{Status: model.ClipFailed, Raw: "failed", Message: "InputImageSensitiveContentDetected request_id=abc"}, nil
		}
		return done(jobID), nil
	})
	created := h.create(t, model.ModeAuto, catScene, 3)

	st, err := h.orch.Run(context.Background(), created.ID)
	if KindOf(err) != model.KindGeneration {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if st.Status != model.StatusFailed || st.Error.Kind != model.KindGeneration || st.Error.ClipIndex != 1 {
		t.Fatalf("unexpected state %s / %+v", st.Status, st.Error)
	}
	if st.Clips[0].Status != model.ClipDone || st.Clips[0].LastFrameRef == "" {
		t.Fatalf("clip 0 was modified: %+v", st.Clips[0])
	}
	if st.Clips[1].Status != model.ClipFailed || st.Clips[2].Status != model.ClipPending {
		t.Fatalf("unexpected clip statuses %s %s", st.Clips[1].Status, st.Clips[2].Status)
	}
	if len(h.media.concats) != 0 {
		t.Fatalf("combine ran after a failure")
	}
	if strings.Contains(st.Error.Message, "Sensitive") || strings.Contains(st.Clips[1].Error.Message, "request_id") {
		t.Fatalf("provider payload leaked into state: %q", st.Error.Message)
	}
	if _, err := h.orch.Step(context.Background(), st.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("failed workflow should not step, got %v", err)
	}
}

func TestSingleClipCombinesOneElement(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)

	st, err := h.orch.Run(context.Background(), created.ID)
	if err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run: %v (%s)", err, st.Status)
	}
	if len(h.media.concats) != 1 || len(h.media.concats[0]) != 1 {
		t.Fatalf("concat inputs %v", h.media.concats)
	}
	final, _ := os.ReadFile(st.FinalArtifact)
	silent, _ := os.ReadFile(st.Clips[0].SilentClip)
	if string(final) != string(silent) {
		t.Fatalf("single clip artifact %q differs from clip %q", final, silent)
	}
}

func TestPollTimeoutKeepsJobAndRetryRepolls(t *testing.T) {
	h := newHarness(t)
	h.jobs.setPoll(func(jobID string) (model.TaskResult, error) {
		if jobID == "job-1" {
			return model.TaskResult{Status: model.ClipRunning, Raw: "running"}, nil
		}
		return done(jobID), nil
	})
	created := h.create(t, model.ModeAuto, catScene, 2)

	st, err := h.orch.Run(context.Background(), created.ID)
	if KindOf(err) != model.KindPollTimeout || !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	if st.Status != model.StatusFailed || st.Clips[1].JobID != "job-1" || st.Clips[0].Status != model.ClipDone {
		t.Fatalf("unexpected state after timeout: %+v", st.Clips)
	}

	h.jobs.setPoll(nil)
	if _, err := h.orch.Retry(context.Background(), st.ID, false); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	st, err = h.orch.Run(context.Background(), st.ID)
	if err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run after retry: %v (%s)", err, st.Status)
	}
	if n := len(h.jobs.submissions()); n != 2 {
		t.Fatalf("retry resubmitted: %d submissions", n)
	}
}

func TestDownloadFailureIsRetriedWithoutResubmitting(t *testing.T) {
	h := newHarness(t)
	h.artifacts.setFailures("https://cdn/job-0.mp4", 100)
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)

	st, err := h.orch.Run(context.Background(), created.ID)
	if KindOf(err) != model.KindDownload {
		t.Fatalf("expected download failure, got %v", err)
	}
	if got := h.artifacts.downloadCount("https://cdn/job-0.mp4"); got != 3 {
		t.Fatalf("download attempts = %d, want 3", got)
	}
	if st.Clips[0].ResultURL != "https://cdn/job-0.mp4" || st.Clips[0].JobID != "job-0" {
		t.Fatalf("result not kept for retry: %+v", st.Clips[0])
	}

	h.artifacts.setFailures("https://cdn/job-0.mp4", 0)
	if _, err := h.orch.Retry(context.Background(), st.ID, false); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	st, err = h.orch.Run(context.Background(), st.ID)
	if err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run after retry: %v", err)
	}
	if len(h.jobs.submissions()) != 1 {
		t.Fatalf("generation was resubmitted")
	}
}

func TestTransientDownloadFailureRecoversAutomatically(t *testing.T) {
	h := newHarness(t)
	h.artifacts.setFailures("https://cdn/job-0.mp4", 2)
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)

	st, err := h.orch.Run(context.Background(), created.ID)
	if err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run: %v", err)
	}
}

func TestCombineFailureRetryOnlyRecombines(t *testing.T) {
	h := newHarness(t)
	h.media.concatFails = 1
	created := h.create(t, model.ModeAuto, catScene, 3)

	st, err := h.orch.Run(context.Background(), created.ID)
	if KindOf(err) != model.KindCombine {
		t.Fatalf("expected combine failure, got %v", err)
	}
	if !st.AllDone() || st.Error.ClipIndex != -1 {
		t.Fatalf("clips should stay done after combine failure: %+v", st.Error)
	}

	st, err = h.orch.Retry(context.Background(), st.ID, false)
	if err != nil || st.Status != model.StatusCombining {
		t.Fatalf("Retry: %v (%s)", err, st.Status)
	}
	st, err = h.orch.Run(context.Background(), st.ID)
	if err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run after retry: %v", err)
	}
	if len(h.jobs.submissions()) != 3 || len(h.media.processed) != 3 {
		t.Fatalf("retry repeated generation work")
	}
	if len(h.media.concats) != 2 || !reflect.DeepEqual(h.media.concats[0], h.media.concats[1]) {
		t.Fatalf("combine inputs changed between attempts: %v", h.media.concats)
	}
}

func TestEmptyFrameIsNeverChained(t *testing.T) {
	h := newHarness(t)
	h.media.emptyFrameAt = map[int]bool{1: true}
	created := h.create(t, model.ModeAuto, catScene, 3)

	st, err := h.orch.Run(context.Background(), created.ID)
	if KindOf(err) != model.KindExtraction {
		t.Fatalf("expected extraction failure, got %v", err)
	}
	if st.Chain.FromClip != 0 || st.Chain.Image != st.Clips[0].LastFrameRef {
		t.Fatalf("chain moved past a failed clip: %+v", st.Chain)
	}
	if len(h.jobs.submissions()) != 2 {
		t.Fatalf("clip 2 was submitted")
	}

	// 重试时复用已生成的视频，只重新下载和处理
	h.media.emptyFrameAt = nil
	h.orch.Retry(context.Background(), st.ID, false)
	st, err = h.orch.Run(context.Background(), st.ID)
	if err != nil || st.Status != model.StatusCompleted || len(h.jobs.submissions()) != 3 {
		t.Fatalf("Run after retry: %v, %d submissions", err, len(h.jobs.submissions()))
	}
}

func TestRetryWithResubmitStartsClipOver(t *testing.T) {
	h := newHarness(t)
	h.jobs.setPoll(func(jobID string) (model.TaskResult, error) {
		return model.TaskResult{Status: model.ClipRunning}, nil
	})
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)
	h.orch.Run(context.Background(), created.ID)

	st, err := h.orch.Retry(context.Background(), created.ID, true)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if st.Clips[0].JobID != "" || st.Clips[0].Status != model.ClipPending {
		t.Fatalf("clip not reset: %+v", st.Clips[0])
	}
	h.jobs.setPoll(nil)
	st, _ = h.orch.Run(context.Background(), created.ID)
	if st.Status != model.StatusCompleted || st.Clips[0].JobID != "job-1" {
		t.Fatalf("expected a fresh job, got %+v", st.Clips[0])
	}
}

func TestSubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.jobs.submitErr = errors.New("http 401: invalid api key sk-secret")
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)

	st, err := h.orch.Run(context.Background(), created.ID)
	if KindOf(err) != model.KindSubmit {
		t.Fatalf("expected submit failure, got %v", err)
	}
	if strings.Contains(st.Error.Message, "sk-secret") {
		t.Fatalf("credential leaked into state")
	}
}

func TestCancellationRecordsJobAndFails(t *testing.T) {
	h := newHarness(t)
	h.orch.poller.MaxWait = time.Minute
	polled := make(chan struct{}, 1)
	h.jobs.setPoll(func(jobID string) (model.TaskResult, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return model.TaskResult{Status: model.ClipRunning}, nil
	})
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-polled
		cancel()
	}()
	st, err := h.orch.Run(ctx, created.ID)
	if KindOf(err) != model.KindCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if st.Status != model.StatusFailed || st.Clips[0].JobID != "job-0" {
		t.Fatalf("unexpected state %s, job %q", st.Status, st.Clips[0].JobID)
	}
	stored, _ := h.store.Load(context.Background(), created.ID)
	if stored.Status != model.StatusFailed || stored.Error.Kind != model.KindCancelled {
		t.Fatalf("cancellation not persisted: %+v", stored.Error)
	}
}

func TestManualWorkflow(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, model.ModeManual, catScene, 2)
	ctx := context.Background()

	st, err := h.orch.Run(ctx, created.ID)
	if err != nil || st.Status != model.StatusGenerating {
		t.Fatalf("Run: %v (%s)", err, st.Status)
	}
	info, err := h.orch.Current(ctx, st.ID)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if info.Index != 0 || info.Count != 2 || info.LocalPath != st.Chain.LocalPath || info.Prompt != st.Plan.Prompts[0] {
		t.Fatalf("unexpected step info %+v", info)
	}

	video := h.start + ".mp4"
	os.WriteFile(video, []byte("uploaded"), 0o644)

	if _, err := h.orch.SubmitClip(ctx, st.ID, 1, video); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("out of order upload accepted: %v", err)
	}
	if _, err := h.orch.Step(ctx, st.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("manual generating step should wait for an upload, got %v", err)
	}
	if _, err := h.orch.Combine(ctx, st.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("combine before completion accepted: %v", err)
	}

	st, err = h.orch.SubmitClip(ctx, st.ID, 0, video)
	if err != nil {
		t.Fatalf("SubmitClip(0): %v", err)
	}
	if st.Clips[0].Source != model.SourceUploaded || st.Chain.FromClip != 0 {
		t.Fatalf("clip 0 not chained: %+v", st.Chain)
	}
	info, _ = h.orch.Current(ctx, st.ID)
	if info.Index != 1 || info.LocalPath != st.Clips[0].LastFrame {
		t.Fatalf("next step should start from clip 0's frame: %+v", info)
	}

	st, err = h.orch.SubmitClip(ctx, st.ID, 1, video)
	if err != nil || st.Status != model.StatusCombining {
		t.Fatalf("SubmitClip(1): %v (%s)", err, st.Status)
	}
	st, err = h.orch.Combine(ctx, st.ID)
	if err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Combine: %v", err)
	}
	if len(h.jobs.submissions()) != 0 {
		t.Fatalf("manual workflow called the video provider")
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty description", CreateRequest{Scene: model.SceneRequest{Description: "  ", ClipCount: 2, StartingImage: h.start}}},
		{"zero clips", CreateRequest{Scene: model.SceneRequest{Description: "x", ClipCount: 0, StartingImage: h.start}}},
		{"too many clips", CreateRequest{Scene: model.SceneRequest{Description: "x", ClipCount: 13, StartingImage: h.start}}},
		{"no image", CreateRequest{Scene: model.SceneRequest{Description: "x", ClipCount: 1}}},
		{"bad mode", CreateRequest{Mode: "batch", Scene: model.SceneRequest{Description: "x", ClipCount: 1, StartingImage: h.start}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.orch.Create(context.Background(), tt.req); !errors.Is(err, ErrPrecondition) {
				t.Fatalf("expected ErrPrecondition, got %v", err)
			}
		})
	}
	if list, _ := h.orch.List(context.Background()); len(list) != 0 {
		t.Fatalf("invalid requests were persisted")
	}
}

func TestCreateRejectsNonImageStart(t *testing.T) {
	h := newHarness(t)
	txt := h.start + ".txt"
	os.WriteFile(txt, []byte("not an image"), 0o644)
	_, err := h.orch.Create(context.Background(), CreateRequest{
		Scene: model.SceneRequest{Description: "x", ClipCount: 1, StartingImage: txt},
	})
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}

func TestStepRejectsBrokenChain(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, model.ModeAuto, catScene, 2)
	ctx := context.Background()
	st, _ := h.orch.Step(ctx, created.ID)
	if st.Status != model.StatusGenerating {
		t.Fatalf("status = %s", st.Status)
	}
	st.Chain.FromClip = 0
	h.store.Save(ctx, st)

	if _, err := h.orch.Step(ctx, created.ID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	after, _ := h.store.Load(ctx, created.ID)
	if after.Status != model.StatusGenerating || len(h.jobs.submissions()) != 0 {
		t.Fatalf("precondition failure changed state or submitted a job")
	}
}

func TestRetryPublishesFirstFrameAgain(t *testing.T) {
	h := newHarness(t)
	h.artifacts.signed = true
	h.jobs.setPoll(func(jobID string) (model.TaskResult, error) {
		if jobID == "job-1" {
			return model.TaskResult{Status: model.ClipRunning}, nil
		}
		return done(jobID), nil
	})
	created := h.create(t, model.ModeAuto, catScene, 2)
	ctx := context.Background()

	st, err := h.orch.Run(ctx, created.ID)
	if KindOf(err) != model.KindPollTimeout {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	h.jobs.setPoll(nil)
	if _, err := h.orch.Retry(ctx, st.ID, true); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if st, err = h.orch.Run(ctx, st.ID); err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run after retry: %v", err)
	}

	subs := h.jobs.submissions()
	if len(subs) != 3 {
		t.Fatalf("submitted %d times, want 3", len(subs))
	}
	prefix := "ref://" + st.ID + "/frames/clip_00_last.jpg?sig="
	if !strings.HasPrefix(subs[1].Image, prefix) || !strings.HasPrefix(subs[2].Image, prefix) || subs[1].Image == subs[2].Image {
		t.Fatalf("resubmission reused a stale reference: %q then %q", subs[1].Image, subs[2].Image)
	}

	stored, _ := h.store.Load(ctx, st.ID)
	data, _ := json.Marshal(stored)
	if strings.Contains(string(data), "sig=") || strings.Contains(string(data), "ref://") {
		t.Fatalf("fetchable reference persisted: %s", data)
	}
}

func TestFirstFrameUploadFailureIsSubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.artifacts.setUploadErr(errors.New("AccessDenied"))
	created := h.create(t, model.ModeAuto, "a leaf falls", 1)
	ctx := context.Background()

	st, err := h.orch.Run(ctx, created.ID)
	if KindOf(err) != model.KindSubmit {
		t.Fatalf("expected submit failure, got %v", err)
	}
	if len(h.jobs.submissions()) != 0 || st.Clips[0].JobID != "" {
		t.Fatalf("job submitted without a first frame")
	}

	h.artifacts.setUploadErr(nil)
	if _, err := h.orch.Retry(ctx, st.ID, false); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if st, err = h.orch.Run(ctx, st.ID); err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run after retry: %v", err)
	}
}

func TestMissingSilentClipLeavesClipsDone(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, model.ModeAuto, catScene, 3)
	ctx := context.Background()
	h.media.concatFails = 1
	st, _ := h.orch.Run(ctx, created.ID)

	silent := st.Clips[1].SilentClip
	st.Clips[1].SilentClip = ""
	h.store.Save(ctx, st)
	if _, err := h.orch.Retry(ctx, st.ID, false); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	st, err := h.orch.Run(ctx, st.ID)
	if KindOf(err) != model.KindCombine {
		t.Fatalf("expected combine failure, got %v", err)
	}
	if st.Error.ClipIndex != -1 || !st.AllDone() {
		t.Fatalf("combine failure touched clips: %+v", st.Error)
	}

	st.Clips[1].SilentClip = silent
	h.store.Save(ctx, st)
	if _, err := h.orch.Retry(ctx, st.ID, false); err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	if st, err = h.orch.Run(ctx, st.ID); err != nil || st.Status != model.StatusCompleted {
		t.Fatalf("Run after restoring the clip: %v", err)
	}
}
