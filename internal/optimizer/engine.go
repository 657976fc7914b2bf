// Package optimizer wraps the third-party optimization workflow the product
// resells. The metering core treats it as an opaque collaborator: prompt and
// context in, optimized text and token counts out.
package optimizer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// Request carries the caller's prompt into the engine.
type Request struct {
	Prompt  string
	Context string
	// Comprehensive selects the premium, multi-pass optimization path.
	Comprehensive bool
	// Model optionally overrides the configured default.
	Model string
}

// Result is the engine's answer plus the token accounting the metering core
// needs for the usage log.
type Result struct {
	OptimizedPrompt string
	Model           string
	InputTokens     int64
	OutputTokens    int64
}

// Engine is the external optimization collaborator.
type Engine interface {
	Optimize(ctx context.Context, req Request) (Result, error)
}

// Options configure the OpenAI-backed engine.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Extra        []option.RequestOption
}

// OpenAIEngine implements Engine on the official OpenAI SDK.
type OpenAIEngine struct {
	client       openai.Client
	defaultModel string
	timeout      time.Duration
}

const (
	standardInstructions = "You are a prompt engineering assistant. Rewrite the user's prompt to be clearer, more specific, and better structured. Return only the rewritten prompt."

	comprehensiveInstructions = "You are a senior prompt engineering assistant. Analyze the user's prompt, then produce a fully restructured version: explicit role, task, constraints, output format, and examples where useful. Return only the rewritten prompt."
)

func NewOpenAIEngine(opts Options) (*OpenAIEngine, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("optimizer: api key required")
	}
	requestOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")))
	}
	requestOpts = append(requestOpts, opts.Extra...)

	model := strings.TrimSpace(opts.DefaultModel)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIEngine{
		client:       openai.NewClient(requestOpts...),
		defaultModel: model,
		timeout:      timeout,
	}, nil
}

func (e *OpenAIEngine) Optimize(ctx context.Context, req Request) (Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Result{}, errors.New("optimizer: prompt required")
	}

	instructions := standardInstructions
	if req.Comprehensive {
		instructions = comprehensiveInstructions
	}
	user := prompt
	if ctxText := strings.TrimSpace(req.Context); ctxText != "" {
		user = "Context:\n" + ctxText + "\n\nPrompt to optimize:\n" + prompt
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = e.defaultModel
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instructions),
			openai.UserMessage(user),
		},
		Temperature: param.NewOpt(0.3),
	}
	resp, err := e.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("optimizer: empty completion")
	}

	return Result{
		OptimizedPrompt: strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:           model,
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
	}, nil
}
