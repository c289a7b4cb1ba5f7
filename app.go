package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"framechain/internal/config"
	"framechain/internal/media"
	"framechain/internal/planner"
	"framechain/internal/service"
	"framechain/internal/session"
	"framechain/internal/storage"
	"framechain/internal/tools"
	"framechain/internal/volc"
)

// app holds everything the commands share.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	orch    *service.Orchestrator
	tools   *tools.Registry
	closers []io.Closer
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logCloser, err := config.InitLogging(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logrus.StandardLogger(), closers: []io.Closer{logCloser}}

	if cfg.ArkAPIKey == "" && !cfg.ArkMock {
		a.log.Warn("ARK_API_KEY is not set, video submissions will be rejected by the provider")
	}
	if cfg.ArkMock && cfg.ArkMockClip == "" {
		a.log.Warn("ARK_MOCK is set without ARK_MOCK_CLIP, every mock clip will fail")
	}

	artifacts, err := storage.New(ctx, cfg, a.log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	sessions, err := session.Open(ctx, cfg.Sessions, a.log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	if c, ok := sessions.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	ark := volc.NewArkClient(cfg, a.log)
	pl, err := newPlanner(ctx, cfg, ark, a.log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = service.NewOrchestrator(service.Deps{
		Store:     sessions,
		Planner:   pl,
		Jobs:      ark,
		Media:     media.NewProcessor(cfg.Media, a.log),
		Artifacts: artifacts,
	}, service.OptionsFromConfig(cfg), a.log)

	a.tools, err = tools.NewRegistry(ctx,
		tools.NewPlanTool(pl, cfg.Limits.MaxClips),
		tools.NewJobStatusTool(ark),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newPlanner 根据配置选择提示词规划后端
func newPlanner(ctx context.Context, cfg *config.Config, ark *volc.ArkClient, log logrus.FieldLogger) (*planner.Planner, error) {
	var completer planner.Completer
	switch {
	case cfg.Planner.Backend == "none", cfg.ArkMock:
	case cfg.Planner.Backend == "http":
		completer = volc.ChatCompleter{Client: ark, Model: cfg.Planner.Model}
	default:
		c, err := planner.NewArkCompleter(ctx, cfg.Planner, cfg.ArkAPIKey)
		if err != nil {
			return nil, fmt.Errorf("init planner model: %w", err)
		}
		completer = c
	}
	return planner.New(completer, cfg.Planner.Timeout, log), nil
}

// artifactsDir is the directory served under /artifacts for the local
// backend, empty otherwise.
func (a *app) artifactsDir() string {
	if a.cfg.Artifacts.Backend != "local" {
		return ""
	}
	return filepath.Join(a.cfg.Workdir, "artifacts")
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
