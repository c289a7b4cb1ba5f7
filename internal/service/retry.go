package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"framechain/internal/model"
)

// Retry moves a failed workflow back to the step that failed. Earlier
// clips are never touched. Without resubmit, an automatic clip that
// already has a job id is polled or downloaded again rather than paid
// for twice.
func (o *Orchestrator) Retry(ctx context.Context, id string, resubmit bool) (*model.WorkflowState, error) {
	unlock, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != model.StatusFailed || st.Error == nil {
		return st, precondition("only failed workflows can be retried, this one is %s", st.Status)
	}

	f := st.Error
	switch {
	case f.Kind == model.KindCombine:
		st.Status = model.StatusCombining
	case f.ClipIndex < 0 || f.ClipIndex >= len(st.Clips):
		switch {
		case st.Plan == nil:
			st.Status = model.StatusPlanning
		case st.AllDone():
			st.Status = model.StatusCombining
		default:
			st.Status = model.StatusGenerating
		}
	default:
		resetClip(&st.Clips[f.ClipIndex], f.Kind, st.Mode, resubmit)
		st.Status = model.StatusGenerating
	}
	st.Error = nil

	o.log.WithFields(logrus.Fields{
		"session":  st.ID,
		"kind":     f.Kind,
		"clip":     f.ClipIndex,
		"resubmit": resubmit,
		"status":   st.Status,
	}).Info("workflow retry")
	if err := o.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func resetClip(c *model.ClipJob, kind model.ErrorKind, mode model.Mode, resubmit bool) {
	keepJob := mode == model.ModeAuto && !resubmit && c.JobID != "" &&
		kind != model.KindGeneration && kind != model.KindSubmit
	if !keepJob {
		*c = model.ClipJob{Index: c.Index, Prompt: c.Prompt, Status: model.ClipPending}
		return
	}
	c.Status = model.ClipRunning
	c.Error = nil
	c.RawClip = ""
	c.SilentClip = ""
	c.LastFrame = ""
	c.LastFrameRef = ""
	c.CompletedAt = nil
}
