package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"framechain/internal/model"
)

// JobClient is the asynchronous video generation API.
type JobClient interface {
	Submit(ctx context.Context, image, prompt string, params model.GenerationParams) (string, error)
	Poll(ctx context.Context, jobID string) (model.TaskResult, error)
}

// Poller waits for a submitted job by polling on a fixed interval. It
// never resubmits.
type Poller struct {
	Client   JobClient
	Interval time.Duration
	MaxWait  time.Duration
	log      logrus.FieldLogger
}

func NewPoller(client JobClient, interval, maxWait time.Duration, log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{Client: client, Interval: interval, MaxWait: maxWait, log: log}
}

// Wait polls jobID until it reaches a terminal status, MaxWait elapses
// or ctx ends. Poll transport errors are logged and retried until the
// deadline. onStatus sees every non-terminal status.
func (p *Poller) Wait(ctx context.Context, jobID string, onStatus func(model.ClipStatus)) (model.TaskResult, error) {
	deadline := time.Now().Add(p.MaxWait)
	log := p.log.WithField("job_id", jobID)
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := p.Client.Poll(ctx, jobID)
		switch {
		case err == nil && res.Terminal():
			return res, nil
		case err == nil:
			lastErr = nil
			if onStatus != nil {
				onStatus(res.Status)
			}
		case ctx.Err() != nil:
			return model.TaskResult{}, ctx.Err()
		default:
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).Warn("poll failed")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return model.TaskResult{}, fmt.Errorf("%w after %s: last poll error: %v", ErrPollTimeout, p.MaxWait, lastErr)
			}
			return model.TaskResult{}, fmt.Errorf("%w after %s", ErrPollTimeout, p.MaxWait)
		}
		wait := p.Interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.TaskResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}
