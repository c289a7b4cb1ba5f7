package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"framechain/internal/model"
)

// Config 应用配置。密钥只从环境变量读取，不会写入会话记录。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workdir   string          `yaml:"workdir"`
	Log       LogConfig       `yaml:"log"`
	Planner   PlannerConfig   `yaml:"planner"`
	Video     VideoConfig     `yaml:"video"`
	Media     MediaConfig     `yaml:"media"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Runner    RunnerConfig    `yaml:"runner"`
	Limits    LimitsConfig    `yaml:"limits"`

	// ArkAPIKey comes from ARK_API_KEY only.
	ArkAPIKey string `yaml:"-"`
	// ArkMock 为 true 时不调用真实API
	ArkMock bool `yaml:"-"`
	// ArkMockClip 是mock模式下每个任务返回的本地视频
	ArkMockClip string `yaml:"-"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type PlannerConfig struct {
	Backend string        `yaml:"backend"` // eino | http | none
	BaseURL string        `yaml:"base_url"`
	Region  string        `yaml:"region"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// FieldPaths locate values in the provider's JSON responses. Paths are
// dot separated, array elements use [n].
type FieldPaths struct {
	ID     string `yaml:"id"`
	Status string `yaml:"status"`
	Result string `yaml:"result"`
	Error  string `yaml:"error"`
}

type VideoConfig struct {
	BaseURL         string                      `yaml:"base_url"`
	SubmitPath      string                      `yaml:"submit_path"`
	StatusPath      string                      `yaml:"status_path"` // %s 会替换为任务ID
	Model           string                      `yaml:"model"`
	Fields          FieldPaths                  `yaml:"fields"`
	StatusMap       map[string]model.ClipStatus `yaml:"status_map"`
	Defaults        model.GenerationParams      `yaml:"defaults"`
	RequestTimeout  time.Duration               `yaml:"request_timeout"`
	PollInterval    time.Duration               `yaml:"poll_interval"`
	MaxWait         time.Duration               `yaml:"max_wait"`
	DownloadTimeout time.Duration               `yaml:"download_timeout"`
	DownloadRetries uint64                      `yaml:"download_retries"`
}

type MediaConfig struct {
	FFmpegPath string        `yaml:"ffmpeg_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ArtifactsConfig struct {
	Backend string   `yaml:"backend"` // dataurl | local | s3
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	UsePathStyle  bool          `yaml:"use_path_style"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

type SessionsConfig struct {
	Backend     string `yaml:"backend"` // memory | file | postgres
	Dir         string `yaml:"dir"`
	DatabaseURL string `yaml:"database_url"`
}

type RunnerConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

type LimitsConfig struct {
	MaxClips int `yaml:"max_clips"`
}

// Default returns the built-in configuration for the Ark Seedance API.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080", PublicBaseURL: "http://localhost:8080"},
		Workdir: "uploads",
		Log:     LogConfig{Level: "info", File: "app.log"},
		Planner: PlannerConfig{
			Backend: "eino",
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
			Region:  "cn-beijing",
			Model:   "doubao-seed-1-6-flash-250828",
			Timeout: 45 * time.Second,
		},
		Video: VideoConfig{
			BaseURL:    "https://ark.cn-beijing.volces.com",
			SubmitPath: "/api/v3/contents/generations/tasks",
			StatusPath: "/api/v3/contents/generations/tasks/%s",
			Model:      "doubao-seedance-1-0-lite-i2v-250428",
			Fields: FieldPaths{
				ID:     "id",
				Status: "status",
				Result: "content.video_url",
				Error:  "error.message",
			},
			StatusMap: map[string]model.ClipStatus{
				"queued":    model.ClipQueued,
				"pending":   model.ClipQueued,
				"running":   model.ClipRunning,
				"succeeded": model.ClipDone,
				"success":   model.ClipDone,
				"completed": model.ClipDone,
				"failed":    model.ClipFailed,
				"cancelled": model.ClipFailed,
				"error":     model.ClipFailed,
			},
			Defaults:        model.GenerationParams{Resolution: "720p", Duration: 5, AspectRatio: "adaptive"},
			RequestTimeout:  30 * time.Second,
			PollInterval:    5 * time.Second,
			MaxWait:         10 * time.Minute,
			DownloadTimeout: 2 * time.Minute,
			DownloadRetries: 3,
		},
		Media:     MediaConfig{FFmpegPath: "ffmpeg", Timeout: 2 * time.Minute},
		Artifacts: ArtifactsConfig{Backend: "dataurl", S3: S3Config{Prefix: "framechain", PresignExpiry: time.Hour}},
		Sessions:  SessionsConfig{Backend: "file", Dir: "sessions"},
		Runner:    RunnerConfig{MaxConcurrent: 4},
		Limits:    LimitsConfig{MaxClips: 12},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg.Video.StatusMap = lowerKeys(cfg.Video.StatusMap)
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ArkAPIKey = os.Getenv("ARK_API_KEY")
	mock := strings.ToLower(os.Getenv("ARK_MOCK"))
	c.ArkMock = mock == "1" || mock == "true"
	c.ArkMockClip = os.Getenv("ARK_MOCK_CLIP")

	c.Server.Addr = getEnv("FRAMECHAIN_ADDR", c.Server.Addr)
	c.Server.PublicBaseURL = getEnv("FRAMECHAIN_PUBLIC_URL", c.Server.PublicBaseURL)
	c.Workdir = getEnv("FRAMECHAIN_WORKDIR", c.Workdir)
	c.Log.Level = getEnv("FRAMECHAIN_LOG_LEVEL", c.Log.Level)
	c.Planner.Backend = getEnv("FRAMECHAIN_PLANNER", c.Planner.Backend)
	c.Planner.Model = getEnv("ARK_CHAT_MODEL", c.Planner.Model)
	c.Video.Model = getEnv("ARK_VIDEO_MODEL", c.Video.Model)
	c.Artifacts.Backend = getEnv("FRAMECHAIN_ARTIFACTS", c.Artifacts.Backend)
	c.Artifacts.S3.Bucket = getEnv("FRAMECHAIN_S3_BUCKET", c.Artifacts.S3.Bucket)
	c.Sessions.Backend = getEnv("FRAMECHAIN_SESSIONS", c.Sessions.Backend)
	c.Sessions.DatabaseURL = getEnv("DATABASE_URL", c.Sessions.DatabaseURL)
	if v := os.Getenv("FRAMECHAIN_MAX_CLIPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: FRAMECHAIN_MAX_CLIPS=%q is not an integer", v)
		}
		c.Limits.MaxClips = n
	}
	return nil
}

// lowerKeys 状态映射按小写匹配，配置里的大小写不影响结果
func lowerKeys(m map[string]model.ClipStatus) map[string]model.ClipStatus {
	out := make(map[string]model.ClipStatus, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workdir == "" {
		errs = append(errs, errors.New("workdir is required"))
	}
	if c.Limits.MaxClips < 1 {
		errs = append(errs, fmt.Errorf("limits.max_clips must be >= 1, got %d", c.Limits.MaxClips))
	}
	if c.Video.PollInterval <= 0 {
		errs = append(errs, errors.New("video.poll_interval must be positive"))
	}
	if c.Video.MaxWait < c.Video.PollInterval {
		errs = append(errs, errors.New("video.max_wait must be at least video.poll_interval"))
	}
	if c.Video.Fields.ID == "" || c.Video.Fields.Status == "" || c.Video.Fields.Result == "" {
		errs = append(errs, errors.New("video.fields id, status and result are required"))
	}
	for raw, status := range c.Video.StatusMap {
		switch status {
		case model.ClipQueued, model.ClipRunning, model.ClipDone, model.ClipFailed:
		default:
			errs = append(errs, fmt.Errorf("video.status_map: %q maps to unsupported status %q", raw, status))
		}
	}
	if !strings.Contains(c.Video.StatusPath, "%s") {
		errs = append(errs, errors.New("video.status_path must contain %s for the task id"))
	}
	switch c.Planner.Backend {
	case "eino", "http", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown planner backend %q", c.Planner.Backend))
	}
	switch c.Artifacts.Backend {
	case "dataurl", "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend))
	}
	switch c.Sessions.Backend {
	case "memory":
	case "file":
		if c.Sessions.Dir == "" {
			errs = append(errs, errors.New("sessions.dir is required for the file backend"))
		}
	case "postgres":
		if c.Sessions.DatabaseURL == "" {
			errs = append(errs, errors.New("sessions.database_url (or DATABASE_URL) is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sessions backend %q", c.Sessions.Backend))
	}
	if c.Runner.MaxConcurrent < 1 {
		errs = append(errs, errors.New("runner.max_concurrent must be >= 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
