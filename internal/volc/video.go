package volc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"framechain/internal/model"
)

// ErrNoTaskID is returned when the submit response carries no task id at
// the configured path.
var ErrNoTaskID = errors.New("no task id in response")

// Submit creates an image-to-video task with image as the first frame.
func (c *ArkClient) Submit(ctx context.Context, image, prompt string, params model.GenerationParams) (string, error) {
	if image == "" {
		return "", errors.New("first frame image required")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt required")
	}
	if c.Mock {
		return fmt.Sprintf("mock-task-%d", c.mockSeq.Add(1)), nil
	}
	params = mergeParams(params, c.video.Defaults)
	modelName := params.Model
	if modelName == "" {
		modelName = c.video.Model
	}

	body := map[string]any{
		"model": modelName,
		"content": []map[string]any{
			{"type": "text", "text": prompt + promptFlags(params)},
			{
				"type":      "image_url",
				"image_url": map[string]any{"url": image},
				"role":      "first_frame",
			},
		},
	}
	data, err := c.do(ctx, http.MethodPost, c.video.SubmitPath, body)
	if err != nil {
		return "", err
	}
	if id, ok := lookup(data, c.video.Fields.ID); ok {
		return id, nil
	}
	if id, ok := lookup(data, "task_id"); ok {
		return id, nil
	}
	return "", ErrNoTaskID
}

// Poll reads the task status once. It has no side effect on the task.
func (c *ArkClient) Poll(ctx context.Context, jobID string) (model.TaskResult, error) {
	if c.Mock {
		if c.MockClip == "" {
			return model.TaskResult{Status: model.ClipFailed, Raw: "failed", Message: "mock mode needs ARK_MOCK_CLIP pointing at a local video"}, nil
		}
		return model.TaskResult{Status: model.ClipDone, Raw: "succeeded", ResultURL: (&url.URL{Scheme: "file", Path: c.MockClip}).String()}, nil
	}
	path := fmt.Sprintf(c.video.StatusPath, url.PathEscape(jobID))
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return model.TaskResult{}, err
	}
	raw, _ := lookup(data, c.video.Fields.Status)
	res := model.TaskResult{Raw: raw, Status: c.mapStatus(raw)}
	res.ResultURL, _ = lookup(data, c.video.Fields.Result)
	res.Message, _ = lookup(data, c.video.Fields.Error)

	if res.Status == model.ClipDone && res.ResultURL == "" {
		// 成功但没有视频地址，按失败处理
		res.Status = model.ClipFailed
		res.Message = "task succeeded without a result url at " + c.video.Fields.Result
	}
	c.log.WithFields(logrus.Fields{"job_id": jobID, "status": raw}).Debug("polled video task")
	return res, nil
}

func (c *ArkClient) mapStatus(raw string) model.ClipStatus {
	if s, ok := c.video.StatusMap[strings.ToLower(raw)]; ok {
		return s
	}
	// 未知状态视为仍在运行，由轮询超时兜底
	return model.ClipRunning
}

func mergeParams(p, defaults model.GenerationParams) model.GenerationParams {
	if p.Resolution == "" {
		p.Resolution = defaults.Resolution
	}
	if p.Duration == 0 {
		p.Duration = defaults.Duration
	}
	if p.AspectRatio == "" {
		p.AspectRatio = defaults.AspectRatio
	}
	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.Seed == nil {
		p.Seed = defaults.Seed
	}
	p.CameraFixed = p.CameraFixed || defaults.CameraFixed
	return p
}

// promptFlags renders generation parameters as the text commands Seedance
// reads from the end of the prompt.
func promptFlags(p model.GenerationParams) string {
	var b strings.Builder
	if p.Resolution != "" {
		b.WriteString(" --resolution " + p.Resolution)
	}
	if p.Duration > 0 {
		b.WriteString(" --duration " + strconv.Itoa(p.Duration))
	}
	if p.AspectRatio != "" {
		b.WriteString(" --ratio " + p.AspectRatio)
	}
	if p.CameraFixed {
		b.WriteString(" --camerafixed true")
	}
	if p.Seed != nil {
		b.WriteString(" --seed " + strconv.Itoa(*p.Seed))
	}
	return b.String()
}
