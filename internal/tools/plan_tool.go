package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"framechain/internal/model"
)

// Planner is satisfied by *planner.Planner.
type Planner interface {
	Plan(ctx context.Context, description string, n int) model.PromptPlan
}

// PlanTool 实现eino框架的分镜提示词工具
type PlanTool struct {
	planner  Planner
	maxClips int
}

// PlanToolArgs 分镜请求参数
type PlanToolArgs struct {
	Description string `json:"description"` // 场景描述
	ClipCount   int    `json:"clip_count"`  // 片段数量
}

// PlanToolResp 分镜响应
type PlanToolResp struct {
	Prompts     []string `json:"prompts"`
	Source      string   `json:"source"`
	Adjustments []string `json:"adjustments,omitempty"`
	Warning     string   `json:"warning,omitempty"`
}

func NewPlanTool(p Planner, maxClips int) *PlanTool {
	return &PlanTool{planner: p, maxClips: maxClips}
}

func (t *PlanTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := map[string]*schema.ParameterInfo{
		"description": {Type: schema.String, Required: true, Desc: "场景描述"},
		"clip_count":  {Type: schema.Integer, Required: true, Desc: "需要生成的片段数量"},
	}
	return &schema.ToolInfo{
		Name:        "plan_prompts",
		Desc:        "把一个场景拆分为按顺序衔接的视频片段提示词，每个片段从上一个片段的最后一帧开始",
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

func (t *PlanTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...einotool.Option) (string, error) {
	var args PlanToolArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Description) == "" {
		return "", errors.New("description required")
	}
	if args.ClipCount < 1 || (t.maxClips > 0 && args.ClipCount > t.maxClips) {
		return "", errors.New("clip_count out of range")
	}

	plan := t.planner.Plan(ctx, args.Description, args.ClipCount)
	b, err := json.Marshal(PlanToolResp{
		Prompts:     plan.Prompts,
		Source:      string(plan.Source),
		Adjustments: plan.Adjustments,
		Warning:     plan.Warning,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ einotool.InvokableTool = (*PlanTool)(nil)
