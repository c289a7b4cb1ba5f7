package volc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"framechain/internal/config"
)

// maxErrorBody bounds how much of a provider error body ends up in logs.
const maxErrorBody = 512

// ArkClient talks to the Ark content-generation task API and, for the
// plain HTTP planner backend, to its chat-completions endpoint.
type ArkClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Mock       bool
	MockClip   string // mock模式下每个任务返回的本地视频
	ChatPath   string

	video   config.VideoConfig
	log     logrus.FieldLogger
	mockSeq atomic.Int64
}

// NewArkClient 根据配置创建ArkClient
func NewArkClient(cfg *config.Config, log logrus.FieldLogger) *ArkClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := cfg.Video.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	mockClip := cfg.ArkMockClip
	if mockClip != "" {
		if abs, err := filepath.Abs(mockClip); err == nil {
			mockClip = abs
		}
	}
	return &ArkClient{
		BaseURL:    strings.TrimRight(cfg.Video.BaseURL, "/"),
		APIKey:     cfg.ArkAPIKey,
		HTTPClient: &http.Client{Timeout: timeout},
		Mock:       cfg.ArkMock,
		MockClip:   mockClip,
		ChatPath:   "/api/v3/chat/completions",
		video:      cfg.Video,
		log:        log.WithField("component", "ark"),
	}
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func (c *ArkClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	c.log.WithFields(logrus.Fields{"method": method, "url": req.URL.String()}).Debug("ark request")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := string(bodyBytes)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &HTTPError{StatusCode: res.StatusCode, Body: snippet}
	}
	return bodyBytes, nil
}

// Complete sends one system+user exchange to the chat-completions
// endpoint and returns the first choice's content.
func (c *ArkClient) Complete(ctx context.Context, model, system, user string) (string, error) {
	if model == "" {
		return "", errors.New("model required")
	}
	reqBody := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	data, err := c.do(ctx, http.MethodPost, c.ChatPath, reqBody)
	if err != nil {
		return "", err
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("empty chat content")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatCompleter binds a model name so the client satisfies the planner's
// completer interface.
type ChatCompleter struct {
	Client *ArkClient
	Model  string
}

func (c ChatCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return c.Client.Complete(ctx, c.Model, system, user)
}
