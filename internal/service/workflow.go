// Package service drives frame-chained clip generation: plan prompts,
// generate each clip from the previous clip's last frame, then combine.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"framechain/internal/config"
	"framechain/internal/media"
	"framechain/internal/model"
	"framechain/internal/session"
)

// PromptPlanner returns exactly n prompts and absorbs its own failures.
type PromptPlanner interface {
	Plan(ctx context.Context, description string, n int) model.PromptPlan
}

// ClipProcessor is the media tool boundary.
type ClipProcessor interface {
	Process(ctx context.Context, raw, dir string, index int) (media.ProcessedClip, error)
	Concat(ctx context.Context, clips []string, out string) error
}

// ArtifactStore makes local files fetchable under a key and fetches
// references.
type ArtifactStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	Download(ctx context.Context, ref, dst string) error
}

type Deps struct {
	Store     session.Store
	Planner   PromptPlanner
	Jobs      JobClient
	Media     ClipProcessor
	Artifacts ArtifactStore
}

type Options struct {
	Workdir         string
	MaxClips        int
	PollInterval    time.Duration
	MaxWait         time.Duration
	DownloadRetries uint64
	// RetryInterval is the first download retry delay; zero keeps the
	// backoff default.
	RetryInterval time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workdir:         cfg.Workdir,
		MaxClips:        cfg.Limits.MaxClips,
		PollInterval:    cfg.Video.PollInterval,
		MaxWait:         cfg.Video.MaxWait,
		DownloadRetries: cfg.Video.DownloadRetries,
	}
}

// Orchestrator owns every mutation of workflow state. Calls on the same
// session are serialized; different sessions proceed independently.
type Orchestrator struct {
	store     session.Store
	planner   PromptPlanner
	jobs      JobClient
	media     ClipProcessor
	artifacts ArtifactStore
	poller    *Poller
	opts      Options
	log       logrus.FieldLogger
	locks     keyedMutex
	now       func() time.Time
}

func NewOrchestrator(d Deps, opts Options, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.MaxClips < 1 {
		opts.MaxClips = 12
	}
	log = log.WithField("component", "workflow")
	return &Orchestrator{
		store:     d.Store,
		planner:   d.Planner,
		jobs:      d.Jobs,
		media:     d.Media,
		artifacts: d.Artifacts,
		poller:    NewPoller(d.Jobs, opts.PollInterval, opts.MaxWait, log),
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// CreateRequest 创建工作流的请求
type CreateRequest struct {
	Mode  model.Mode
	Scene model.SceneRequest
}

// Create validates the request, stages the starting image as JPEG in the
// session directory and persists a Planning workflow.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*model.WorkflowState, error) {
	scene := req.Scene
	scene.Description = strings.TrimSpace(scene.Description)
	mode := req.Mode
	if mode == "" {
		mode = model.ModeAuto
	}
	switch {
	case mode != model.ModeAuto && mode != model.ModeManual:
		return nil, precondition("unknown mode %q", mode)
	case scene.Description == "":
		return nil, precondition("scene description is required")
	case scene.ClipCount < 1 || scene.ClipCount > o.opts.MaxClips:
		return nil, precondition("clip count must be between 1 and %d", o.opts.MaxClips)
	case strings.TrimSpace(scene.StartingImage) == "":
		return nil, precondition("starting image is required")
	}

	now := o.now()
	st := &model.WorkflowState{
		ID:        uuid.NewString(),
		Mode:      mode,
		Scene:     scene,
		Status:    model.StatusPlanning,
		Chain:     model.FrameChain{FromClip: -1},
		CreatedAt: now,
		UpdatedAt: now,
	}
	dir := o.sessionDir(st.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	local, err := o.stageStartingImage(ctx, scene.StartingImage, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	st.Chain.Image, st.Chain.LocalPath = startKey(st.ID), local

	if err := o.save(ctx, st); err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{"session": st.ID, "mode": mode, "clips": scene.ClipCount}).Info("workflow created")
	return st, nil
}

func (o *Orchestrator) stageStartingImage(ctx context.Context, ref, dir string) (string, error) {
	src := filepath.Join(dir, "start.src")
	defer os.Remove(src)
	if err := o.artifacts.Download(ctx, ref, src); err != nil {
		return "", fmt.Errorf("fetch starting image: %w", err)
	}
	dst := filepath.Join(dir, "start.jpg")
	if err := media.ToJPEG(src, dst); err != nil {
		if errors.Is(err, media.ErrUnsupportedImage) {
			return "", precondition("%v", err)
		}
		return "", err
	}
	return dst, nil
}

// Chain images are recorded by artifact key. The fetchable reference is
// made from the local file at submit time and never persisted, since it
// may expire (presigned urls) or be large (data urls).
func startKey(id string) string { return id + "/start.jpg" }

func frameKey(id string, index int) string { return id + "/frames/" + media.FrameName(index) }

func (o *Orchestrator) Get(ctx context.Context, id string) (*model.WorkflowState, error) {
	return o.store.Load(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]*model.WorkflowState, error) {
	return o.store.List(ctx)
}

// StepInfo describes the clip a manual workflow is waiting for.
type StepInfo struct {
	Index     int    `json:"index"`
	Count     int    `json:"count"`
	Prompt    string `json:"prompt"`
	Image     string `json:"image"`
	LocalPath string `json:"-"`
}

// Current returns the next clip to produce and the image it must start
// from.
func (o *Orchestrator) Current(ctx context.Context, id string) (StepInfo, error) {
	st, err := o.store.Load(ctx, id)
	if err != nil {
		return StepInfo{}, err
	}
	if st.Status != model.StatusGenerating {
		return StepInfo{}, precondition("workflow is %s, not generating", st.Status)
	}
	i := st.NextClip()
	if err := checkChain(st, i); err != nil {
		return StepInfo{}, err
	}
	return StepInfo{
		Index:     i,
		Count:     len(st.Clips),
		Prompt:    st.Clips[i].Prompt,
		Image:     st.Chain.Image,
		LocalPath: st.Chain.LocalPath,
	}, nil
}

// Step performs exactly one transition of the persisted workflow.
func (o *Orchestrator) Step(ctx context.Context, id string) (*model.WorkflowState, error) {
	unlock, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.settle(ctx, st, o.step(ctx, st))
}

func (o *Orchestrator) step(ctx context.Context, st *model.WorkflowState) error {
	switch st.Status {
	case model.StatusPlanning:
		return o.plan(ctx, st)
	case model.StatusGenerating:
		if st.Mode == model.ModeManual {
			return precondition("clip %d is waiting for an uploaded video", st.NextClip())
		}
		return o.generate(ctx, st)
	case model.StatusCombining:
		return o.combine(ctx, st)
	default:
		return precondition("workflow is %s", st.Status)
	}
}

// abortWait bounds how long Run waits for the session lock when recording
// a cancellation.
const abortWait = 10 * time.Second

// Run steps until the workflow is terminal, or until a manual workflow
// needs a person to supply the next clip.
func (o *Orchestrator) Run(ctx context.Context, id string) (*model.WorkflowState, error) {
	for {
		if ctx.Err() != nil {
			// 另一个进程可能持有运行锁，不能无限等待
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortWait)
			defer cancel()
			return o.Abort(abortCtx, id)
		}
		st, err := o.Step(ctx, id)
		if err != nil {
			return st, err
		}
		if st.Status.Terminal() || (st.Mode == model.ModeManual && st.Status == model.StatusGenerating) {
			return st, nil
		}
	}
}

// Abort marks a non-terminal workflow as cancelled. Recorded job ids are
// kept so the provider job can still be looked up.
func (o *Orchestrator) Abort(ctx context.Context, id string) (*model.WorkflowState, error) {
	unlock, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	clip := -1
	if st.Status == model.StatusGenerating {
		clip = st.NextClip()
	}
	return o.settle(ctx, st, stepErr(model.KindCancelled, clip, context.Canceled))
}

// Combine concatenates the silent clips of a workflow whose clips are
// all done.
func (o *Orchestrator) Combine(ctx context.Context, id string) (*model.WorkflowState, error) {
	unlock, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != model.StatusCombining {
		return st, precondition("workflow is %s, not ready to combine", st.Status)
	}
	return o.settle(ctx, st, o.combine(ctx, st))
}

func (o *Orchestrator) plan(ctx context.Context, st *model.WorkflowState) error {
	if st.Chain.Image == "" || st.Chain.FromClip != -1 {
		return precondition("starting image is missing")
	}
	n := st.Scene.ClipCount
	plan := o.planner.Plan(ctx, st.Scene.Description, n)
	if len(plan.Prompts) != n {
		return stepErr(model.KindPlanning, -1, fmt.Errorf("planner returned %d prompts for %d clips", len(plan.Prompts), n))
	}
	log := o.log.WithFields(logrus.Fields{"session": st.ID, "source": plan.Source})
	if plan.Warning != "" {
		log.Warn(plan.Warning)
	}
	for _, a := range plan.Adjustments {
		log.WithField("adjustment", a).Info("prompt plan adjusted")
	}
	st.Plan = &plan
	st.Clips = make([]model.ClipJob, n)
	for i, p := range plan.Prompts {
		st.Clips[i] = model.ClipJob{Index: i, Prompt: p, Status: model.ClipPending}
	}
	st.Status = model.StatusGenerating
	return o.save(ctx, st)
}

func (o *Orchestrator) combine(ctx context.Context, st *model.WorkflowState) error {
	if !st.AllDone() {
		return precondition("clip %d is not done", st.NextClip())
	}
	clips := st.SilentClips()
	for i, c := range clips {
		if c == "" {
			// 不归属于某个片段，片段保持Done，重试可直接回到合并
			return stepErr(model.KindCombine, -1, fmt.Errorf("silent clip %d missing", i))
		}
	}
	out := filepath.Join(o.sessionDir(st.ID), "final.mp4")
	if err := o.media.Concat(ctx, clips, out); err != nil {
		return stepErr(model.KindCombine, -1, err)
	}
	st.FinalArtifact = out
	st.Status = model.StatusCompleted
	st.Error = nil
	o.log.WithFields(logrus.Fields{"session": st.ID, "clips": len(clips)}).Info("workflow completed")
	return o.save(ctx, st)
}

// settle records a typed failure in st. Precondition errors leave the
// state untouched.
func (o *Orchestrator) settle(ctx context.Context, st *model.WorkflowState, err error) (*model.WorkflowState, error) {
	var se *StepError
	if err == nil || !errors.As(err, &se) || se.Kind == model.KindPrecondition {
		return st, err
	}
	if se.Kind != model.KindCancelled && ctx.Err() != nil {
		se.Kind = model.KindCancelled
	}
	f := model.Failure{Kind: se.Kind, ClipIndex: se.Clip, Message: se.Kind.Describe(), At: o.now()}
	if se.Clip >= 0 && se.Clip < len(st.Clips) {
		clipErr := f
		st.Clips[se.Clip].Status = model.ClipFailed
		st.Clips[se.Clip].Error = &clipErr
	}
	st.Status = model.StatusFailed
	st.Error = &f
	o.log.WithError(se.Err).WithFields(logrus.Fields{
		"session": st.ID,
		"clip":    se.Clip,
		"kind":    se.Kind,
	}).Error("workflow step failed")
	if saveErr := o.save(ctx, st); saveErr != nil {
		o.log.WithError(saveErr).WithField("session", st.ID).Error("failed to persist failure")
	}
	return st, se
}

func (o *Orchestrator) save(ctx context.Context, st *model.WorkflowState) error {
	st.UpdatedAt = o.now()
	// 即使步骤被取消，状态也必须落盘
	return o.store.Save(context.WithoutCancel(ctx), st)
}

func (o *Orchestrator) sessionDir(id string) string {
	return filepath.Join(o.opts.Workdir, id)
}
