package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"framechain/internal/media"
	"framechain/internal/model"
	"framechain/internal/storage"
)

func rawName(index int) string { return fmt.Sprintf("clip_%02d_raw.mp4", index) }

// checkChain verifies that clip i may start: the current image exists and
// is the last frame of clip i-1, or the starting image when i is 0.
func checkChain(st *model.WorkflowState, i int) error {
	if st.Plan == nil || i < 0 || i >= len(st.Clips) {
		return precondition("no clip left to generate")
	}
	if st.Chain.Image == "" || st.Chain.LocalPath == "" {
		return precondition("no current image to start clip %d from", i)
	}
	if i == 0 {
		if st.Chain.FromClip != -1 {
			return precondition("clip 0 must start from the starting image")
		}
		return nil
	}
	prev := st.Clips[i-1]
	if prev.Status != model.ClipDone || prev.LastFrameRef == "" {
		return precondition("clip %d is not done", i-1)
	}
	if st.Chain.FromClip != i-1 || st.Chain.Image != prev.LastFrameRef {
		return precondition("current image is not the last frame of clip %d", i-1)
	}
	return nil
}

// generate runs submit, poll, download and processing for the next clip.
// A clip that already has a job id is polled again instead of being
// resubmitted; one that has a result url is only downloaded again.
func (o *Orchestrator) generate(ctx context.Context, st *model.WorkflowState) error {
	i := st.NextClip()
	if err := checkChain(st, i); err != nil {
		return err
	}
	clip := &st.Clips[i]
	log := o.log.WithFields(logrus.Fields{"session": st.ID, "clip": i})

	if clip.JobID == "" && clip.ResultURL == "" {
		clip.InputImage = st.Chain.Image
		// 每次提交前重新发布首帧，预签名地址可能已过期
		image, err := o.artifacts.Upload(ctx, st.Chain.LocalPath, st.Chain.Image)
		if err != nil {
			return stepErr(model.KindSubmit, i, fmt.Errorf("publish first frame: %w", err))
		}
		jobID, err := o.jobs.Submit(ctx, image, clip.Prompt, st.Scene.Params)
		if err != nil {
			return stepErr(model.KindSubmit, i, err)
		}
		now := o.now()
		clip.JobID = jobID
		clip.Status = model.ClipQueued
		clip.Source = model.SourceGenerated
		clip.SubmittedAt = &now
		log.WithField("job_id", jobID).Info("clip submitted")
		// 轮询前先持久化任务ID
		if err := o.save(ctx, st); err != nil {
			return err
		}
	}

	if clip.ResultURL == "" {
		res, err := o.poller.Wait(ctx, clip.JobID, func(s model.ClipStatus) {
			if clip.Status == s {
				return
			}
			clip.Status = s
			if err := o.save(ctx, st); err != nil {
				log.WithError(err).Warn("failed to persist clip status")
			}
		})
		switch {
		case errors.Is(err, ErrPollTimeout):
			return stepErr(model.KindPollTimeout, i, err)
		case err != nil:
			return stepErr(model.KindCancelled, i, err)
		case res.Status == model.ClipFailed:
			return stepErr(model.KindGeneration, i, fmt.Errorf("provider status %q: %s", res.Raw, res.Message))
		}
		clip.ResultURL = res.ResultURL
		clip.Status = model.ClipDownloading
		if err := o.save(ctx, st); err != nil {
			return err
		}
	}

	clip.Status = model.ClipDownloading
	raw := filepath.Join(o.sessionDir(st.ID), rawName(i))
	if err := o.download(ctx, clip.ResultURL, raw, log); err != nil {
		return stepErr(model.KindDownload, i, err)
	}
	clip.RawClip = raw
	return o.finishClip(ctx, st, i)
}

// download is the only automatic retry in the pipeline; generation is
// never resubmitted.
func (o *Orchestrator) download(ctx context.Context, ref, dst string, log logrus.FieldLogger) error {
	eb := backoff.NewExponentialBackOff()
	if o.opts.RetryInterval > 0 {
		eb.InitialInterval = o.opts.RetryInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, o.opts.DownloadRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := o.artifacts.Download(ctx, ref, dst)
		var fe *storage.FetchError
		if errors.As(err, &fe) && fe.Permanent() {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("clip download failed")
	})
}

// finishClip processes the raw clip and moves the chain to its last
// frame.
func (o *Orchestrator) finishClip(ctx context.Context, st *model.WorkflowState, i int) error {
	clip := &st.Clips[i]
	clip.Status = model.ClipProcessing
	out, err := o.media.Process(ctx, clip.RawClip, o.sessionDir(st.ID), i)
	if err != nil {
		return stepErr(model.KindExtraction, i, err)
	}
	if out.Frame == "" {
		return stepErr(model.KindExtraction, i, media.ErrEmptyFrame)
	}
	ref := frameKey(st.ID, i)

	now := o.now()
	clip.SilentClip = out.Silent
	clip.LastFrame = out.Frame
	clip.LastFrameRef = ref
	clip.Status = model.ClipDone
	clip.Error = nil
	clip.CompletedAt = &now
	st.Chain = model.FrameChain{Image: ref, LocalPath: out.Frame, FromClip: i}
	if i == len(st.Clips)-1 {
		st.Status = model.StatusCombining
	}
	o.log.WithFields(logrus.Fields{"session": st.ID, "clip": i}).Info("clip done, chain advanced")
	return o.save(ctx, st)
}

// SubmitClip accepts a clip a person produced outside the system for the
// next index of a manual workflow.
func (o *Orchestrator) SubmitClip(ctx context.Context, id string, index int, videoRef string) (*model.WorkflowState, error) {
	unlock, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	err = func() error {
		if st.Mode != model.ModeManual {
			return precondition("clips can only be uploaded to manual workflows")
		}
		if st.Status != model.StatusGenerating {
			return precondition("workflow is %s, not generating", st.Status)
		}
		i := st.NextClip()
		if index != i {
			return precondition("expected clip %d, got %d", i, index)
		}
		if err := checkChain(st, i); err != nil {
			return err
		}
		clip := &st.Clips[i]
		now := o.now()
		clip.InputImage = st.Chain.Image
		clip.Source = model.SourceUploaded
		clip.SubmittedAt = &now
		raw := filepath.Join(o.sessionDir(st.ID), rawName(i))
		if err := o.artifacts.Download(ctx, videoRef, raw); err != nil {
			return stepErr(model.KindDownload, i, err)
		}
		clip.RawClip = raw
		return o.finishClip(ctx, st, i)
	}()
	return o.settle(ctx, st, err)
}
