package tools

import (
	"context"
	"encoding/json"
	"errors"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"framechain/internal/model"
)

// JobPoller is satisfied by *volc.ArkClient.
type JobPoller interface {
	Poll(ctx context.Context, jobID string) (model.TaskResult, error)
}

// JobStatusTool looks up a video generation job by id, for jobs left
// behind by a cancelled or timed out step.
type JobStatusTool struct {
	jobs JobPoller
}

type JobStatusArgs struct {
	JobID string `json:"job_id"`
}

type JobStatusResp struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
}

func NewJobStatusTool(jobs JobPoller) *JobStatusTool {
	return &JobStatusTool{jobs: jobs}
}

func (t *JobStatusTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := map[string]*schema.ParameterInfo{
		"job_id": {Type: schema.String, Required: true, Desc: "视频生成任务ID"},
	}
	return &schema.ToolInfo{
		Name:        "job_status",
		Desc:        "查询Seedance视频生成任务的状态和结果地址",
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

func (t *JobStatusTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...einotool.Option) (string, error) {
	var args JobStatusArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", err
	}
	if args.JobID == "" {
		return "", errors.New("job_id required")
	}
	res, err := t.jobs.Poll(ctx, args.JobID)
	if err != nil {
		return "", err
	}
	// 只返回状态和地址，不透传服务商原始错误信息
	b, err := json.Marshal(JobStatusResp{JobID: args.JobID, Status: string(res.Status), VideoURL: res.ResultURL})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ einotool.InvokableTool = (*JobStatusTool)(nil)
