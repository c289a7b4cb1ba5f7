package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"framechain/internal/server"
	"framechain/internal/service"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "framechain",
	Short:         "Generate a continuous video from chained image-to-video clips",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "framechain.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := service.NewRunner(a.orch, a.cfg.Runner.MaxConcurrent, a.log)
	srv := server.New(a.orch, runner, a.tools, server.Options{
		UploadDir:    filepath.Join(a.cfg.Workdir, "incoming"),
		ArtifactsDir: a.artifactsDir(),
	}, a.log)

	if a.log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: srv.Router(),
	}

	// 在goroutine中启动服务器
	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("服务器启动在 %s", a.cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("启动服务器失败: %w", err)
	}
	a.log.Info("关闭服务器...")

	// 优雅关闭：先停止接收请求，再等待后台工作流记录状态
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("服务器关闭失败")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("工作流未能全部停止")
	}
	a.log.Info("服务器已关闭")
	return nil
}
