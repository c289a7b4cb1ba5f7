package model

import "time"

// WorkflowStatus 工作流整体状态
type WorkflowStatus string

const (
	StatusPlanning   WorkflowStatus = "planning"
	StatusGenerating WorkflowStatus = "generating"
	StatusCombining  WorkflowStatus = "combining"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
)

// Terminal reports whether no further automatic transition can happen.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ClipStatus 单个片段的状态
type ClipStatus string

const (
	ClipPending     ClipStatus = "pending"
	ClipQueued      ClipStatus = "queued"
	ClipRunning     ClipStatus = "running"
	ClipDownloading ClipStatus = "downloading"
	ClipProcessing  ClipStatus = "processing"
	ClipDone        ClipStatus = "done"
	ClipFailed      ClipStatus = "failed"
)

// Mode selects who performs the generating step.
type Mode string

const (
	ModeAuto   Mode = "auto"   // 系统调用视频生成API
	ModeManual Mode = "manual" // 用户上传外部生成的视频
)

// ClipSource 片段来源
type ClipSource string

const (
	SourceGenerated ClipSource = "generated"
	SourceUploaded  ClipSource = "uploaded"
)

// GenerationParams 视频生成参数
type GenerationParams struct {
	Model       string `json:"model,omitempty" yaml:"model"`
	Resolution  string `json:"resolution,omitempty" yaml:"resolution"`     // 480p / 720p / 1080p
	Duration    int    `json:"duration,omitempty" yaml:"duration"`         // 秒
	AspectRatio string `json:"aspect_ratio,omitempty" yaml:"aspect_ratio"` // 16:9 / 9:16 / 1:1 ...
	CameraFixed bool   `json:"camera_fixed,omitempty" yaml:"camera_fixed"`
	Seed        *int   `json:"seed,omitempty" yaml:"seed"`
}

// SceneRequest 场景请求，创建后不可修改
type SceneRequest struct {
	Description   string           `json:"description"`
	ClipCount     int              `json:"clip_count"`
	StartingImage string           `json:"starting_image"` // URL、data URL 或本地路径
	Params        GenerationParams `json:"params"`
}

// PlanSource 提示词来源
type PlanSource string

const (
	PlanFromLLM      PlanSource = "llm"
	PlanFromFallback PlanSource = "fallback"
)

// PromptPlan 每个片段对应一条提示词
type PromptPlan struct {
	Prompts     []string   `json:"prompts"`
	Source      PlanSource `json:"source"`
	Adjustments []string   `json:"adjustments,omitempty"` // 截断、补齐、替换空提示词的记录
	Warning     string     `json:"warning,omitempty"`
}

// Failure is the persisted, user-presentable form of a pipeline error.
// Message never carries provider payloads or credentials.
type Failure struct {
	Kind      ErrorKind `json:"kind"`
	ClipIndex int       `json:"clip_index"` // -1 when not tied to a clip
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// ClipJob 单个片段的生成记录
type ClipJob struct {
	Index        int        `json:"index"`
	Prompt       string     `json:"prompt"`
	InputImage   string     `json:"input_image,omitempty"` // 提交时首帧的制品key
	JobID        string     `json:"job_id,omitempty"`
	Status       ClipStatus `json:"status"`
	Source       ClipSource `json:"source,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
	RawClip      string     `json:"raw_clip,omitempty"`
	SilentClip   string     `json:"silent_clip,omitempty"`
	LastFrame    string     `json:"last_frame,omitempty"`     // 本地尾帧路径
	LastFrameRef string     `json:"last_frame_ref,omitempty"` // 尾帧的制品key
	Error        *Failure   `json:"error,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// FrameChain holds the image the next clip starts from: its artifact key
// and its local file. FromClip is -1 while it still points at the
// original starting image.
type FrameChain struct {
	Image     string `json:"image"`
	LocalPath string `json:"local_path,omitempty"`
	FromClip  int    `json:"from_clip"`
}

// WorkflowState 会话级工作流状态
type WorkflowState struct {
	ID            string         `json:"id"`
	Mode          Mode           `json:"mode"`
	Scene         SceneRequest   `json:"scene"`
	Plan          *PromptPlan    `json:"plan,omitempty"`
	Clips         []ClipJob      `json:"clips,omitempty"`
	Chain         FrameChain     `json:"chain"`
	Status        WorkflowStatus `json:"status"`
	Error         *Failure       `json:"error,omitempty"`
	FinalArtifact string         `json:"final_artifact,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NextClip returns the index of the first clip that is not done, or -1
// when every clip is done.
func (s *WorkflowState) NextClip() int {
	for i := range s.Clips {
		if s.Clips[i].Status != ClipDone {
			return i
		}
	}
	return -1
}

// AllDone 所有片段是否都已完成
func (s *WorkflowState) AllDone() bool {
	return len(s.Clips) > 0 && s.NextClip() == -1
}

// SilentClips returns the silent clip paths in index order.
func (s *WorkflowState) SilentClips() []string {
	out := make([]string, 0, len(s.Clips))
	for i := range s.Clips {
		out = append(out, s.Clips[i].SilentClip)
	}
	return out
}

// Clone returns a deep copy so callers can mutate without touching
// a shared record.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Plan != nil {
		p := *s.Plan
		p.Prompts = append([]string(nil), s.Plan.Prompts...)
		p.Adjustments = append([]string(nil), s.Plan.Adjustments...)
		out.Plan = &p
	}
	if s.Clips != nil {
		out.Clips = make([]ClipJob, len(s.Clips))
		for i, c := range s.Clips {
			if c.Error != nil {
				e := *c.Error
				c.Error = &e
			}
			out.Clips[i] = c
		}
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.Scene.Params.Seed != nil {
		seed := *s.Scene.Params.Seed
		out.Scene.Params.Seed = &seed
	}
	return &out
}
