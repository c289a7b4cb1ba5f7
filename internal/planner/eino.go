package planner

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cloudwego/eino-ext/components/model/ark"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"framechain/internal/config"
)

// EinoCompleter runs the planning exchange through a compiled eino graph
// with a single chat model node.
type EinoCompleter struct {
	runnable compose.Runnable[[]*schema.Message, *schema.Message]
}

// NewArkCompleter builds the graph on top of the Ark chat model.
func NewArkCompleter(ctx context.Context, cfg config.PlannerConfig, apiKey string) (*EinoCompleter, error) {
	if apiKey == "" {
		return nil, errors.New("planner: ARK_API_KEY is required for the eino backend")
	}
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:     apiKey,
		BaseURL:    cfg.BaseURL,
		Region:     cfg.Region,
		Model:      cfg.Model,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewGraphCompleter(ctx, chatModel)
}

// NewGraphCompleter compiles START -> model -> END around cm.
func NewGraphCompleter(ctx context.Context, cm einomodel.BaseChatModel) (*EinoCompleter, error) {
	graph := compose.NewGraph[[]*schema.Message, *schema.Message]()
	if err := graph.AddChatModelNode("model", cm); err != nil {
		return nil, err
	}
	if err := graph.AddEdge(compose.START, "model"); err != nil {
		return nil, err
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, err
	}
	runnable, err := graph.Compile(ctx, compose.WithGraphName("prompt_planner"))
	if err != nil {
		return nil, fmt.Errorf("failed to compile graph: %w", err)
	}
	return &EinoCompleter{runnable: runnable}, nil
}

func (c *EinoCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []*schema.Message{schema.SystemMessage(system), schema.UserMessage(user)}
	res, err := c.runnable.Invoke(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("graph invocation failed: %w", err)
	}
	if res == nil || res.Content == "" {
		return "", errors.New("planner: empty model response")
	}
	return res.Content, nil
}
