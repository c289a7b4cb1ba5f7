// Package planner breaks a scene description into one prompt per clip.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"framechain/internal/model"
)

// Completer is one system+user exchange with a language model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const systemInstruction = `You are a storyboard writer for an image-to-video model.
Break the user's scene into sequential clips that play back to back as one continuous shot.
Each clip starts from the last frame of the previous clip.
Rules:
- Return exactly the requested number of prompts.
- Each prompt describes only the motion and change inside its clip, in one or two sentences.
- Each prompt must stand on its own: name the subject and the setting again instead of using pronouns that point to earlier prompts.
- Keep subjects, clothing, lighting and camera style consistent across prompts.
Respond with a JSON array of strings and nothing else.`

var errUnusable = errors.New("planner: response has no usable prompts")

// Planner 调用LLM生成分镜提示词，失败时回退到确定性拆分
type Planner struct {
	completer Completer
	timeout   time.Duration
	log       logrus.FieldLogger
}

// New returns a planner. A nil completer means every plan uses the
// fallback split.
func New(c Completer, timeout time.Duration, log logrus.FieldLogger) *Planner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Planner{completer: c, timeout: timeout, log: log.WithField("component", "planner")}
}

// Plan always returns exactly n non-empty prompts. LLM failures are
// logged and answered with the fallback split.
func (p *Planner) Plan(ctx context.Context, description string, n int) model.PromptPlan {
	if n < 1 {
		n = 1
	}
	fallback := Fallback(description, n)
	if p.completer == nil {
		return p.fallbackPlan(fallback, "AI planning is disabled, the scene was split into segments")
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	user := fmt.Sprintf("Scene: %s\nNumber of clips: %d", strings.TrimSpace(description), n)
	content, err := p.completer.Complete(callCtx, systemInstruction, user)
	if err == nil {
		var prompts []string
		if prompts, err = parsePrompts(content); err == nil {
			return reconcile(prompts, fallback, n)
		}
	}
	p.log.WithError(err).WithField("clips", n).Warn("prompt planning failed, using fallback split")
	return p.fallbackPlan(fallback, "AI planning was skipped, the scene was split into segments")
}

func (p *Planner) fallbackPlan(prompts []string, warning string) model.PromptPlan {
	return model.PromptPlan{Prompts: prompts, Source: model.PlanFromFallback, Warning: warning}
}

// parsePrompts accepts a JSON array of strings or {"prompts": [...]},
// optionally wrapped in a markdown code fence.
func parsePrompts(content string) ([]string, error) {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var prompts []string
	if err := json.Unmarshal([]byte(cleaned), &prompts); err != nil {
		var wrapped struct {
			Prompts []string `json:"prompts"`
		}
		if err2 := json.Unmarshal([]byte(cleaned), &wrapped); err2 != nil {
			return nil, fmt.Errorf("planner: decode prompts: %w", err)
		}
		prompts = wrapped.Prompts
	}
	for _, s := range prompts {
		if strings.TrimSpace(s) != "" {
			return prompts, nil
		}
	}
	return nil, errUnusable
}

// reconcile forces the LLM output to length n, recording each change.
func reconcile(prompts, fallback []string, n int) model.PromptPlan {
	plan := model.PromptPlan{Source: model.PlanFromLLM}
	if len(prompts) > n {
		plan.Adjustments = append(plan.Adjustments, fmt.Sprintf("truncated %d prompts to %d", len(prompts), n))
		prompts = prompts[:n]
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		switch {
		case i >= len(prompts):
			out[i] = fallback[i]
			plan.Adjustments = append(plan.Adjustments, fmt.Sprintf("padded clip %d with fallback segment", i))
		case strings.TrimSpace(prompts[i]) == "":
			out[i] = fallback[i]
			plan.Adjustments = append(plan.Adjustments, fmt.Sprintf("replaced empty prompt for clip %d", i))
		default:
			out[i] = strings.TrimSpace(prompts[i])
		}
	}
	plan.Prompts = out
	return plan
}
