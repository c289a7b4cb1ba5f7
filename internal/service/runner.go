package service

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Runner drives automatic workflows in the background, one goroutine per
// session, with a bound on how many run at once.
type Runner struct {
	orch *Orchestrator
	sem  *semaphore.Weighted
	log  logrus.FieldLogger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(orch *Orchestrator, maxConcurrent int64, log logrus.FieldLogger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		orch:    orch,
		sem:     semaphore.NewWeighted(maxConcurrent),
		log:     log.WithField("component", "runner"),
		running: make(map[string]context.CancelFunc),
	}
}

// Start runs the workflow until it completes, fails or needs a person.
// It returns ErrRunning when the session already has a run.
func (r *Runner) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running[id] = cancel
	r.wg.Add(1)
	go r.run(ctx, id)
	return nil
}

func (r *Runner) run(ctx context.Context, id string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.running[id]; ok {
			cancel()
			delete(r.running, id)
		}
		r.mu.Unlock()
	}()
	log := r.log.WithField("session", id)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		// 排队期间被取消
		if _, abortErr := r.orch.Abort(context.Background(), id); abortErr != nil && KindOf(abortErr) == "" {
			log.WithError(abortErr).Error("failed to record cancellation")
		}
		return
	}
	defer r.sem.Release(1)

	st, err := r.orch.Run(ctx, id)
	switch {
	case err != nil && KindOf(err) == "":
		log.WithError(err).Error("workflow run aborted")
	case err != nil:
		log.WithField("kind", KindOf(err)).Warn("workflow run stopped")
	default:
		log.WithField("status", st.Status).Info("workflow run finished")
	}
}

// Cancel stops the session's run, if any. The workflow ends Failed with
// kind cancelled.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// Shutdown cancels every run and waits for them to record their state.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("runner: shutdown timed out with runs still active")
	}
}
