package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/pavelanni/testforge/internal/llm/prompts"
	"github.com/pavelanni/testforge/internal/metrics"
	"github.com/pavelanni/testforge/internal/model"
)

// SchemaMode selects how the response shape is requested from the server.
type SchemaMode string

const (
	// SchemaModeJSONSchema uses strict structured outputs.
	SchemaModeJSONSchema SchemaMode = "json_schema"
	// SchemaModeJSONObject asks for any JSON object and describes the schema
	// in the prompt, for servers without structured outputs.
	SchemaModeJSONObject SchemaMode = "json_object"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string // generation model
	EvalModel  string // evaluation model; defaults to Model
	SchemaMode SchemaMode
	Lang       string
	Variant    prompts.PromptVariant
	Metrics    *metrics.Metrics
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api        *openai.Client
	genModel   string
	evalModel  string
	schemaMode SchemaMode
	lang       string
	variant    prompts.PromptVariant
	metrics    *metrics.Metrics
}

// New creates a new LLM client and parses the prompt templates.
func New(opts Options) (*Client, error) {
	if opts.Model == "" {
		return nil, errors.New("llm: model name is required")
	}
	switch opts.SchemaMode {
	case "":
		opts.SchemaMode = SchemaModeJSONSchema
	case SchemaModeJSONSchema, SchemaModeJSONObject:
	default:
		return nil, fmt.Errorf("llm: unknown schema mode %q", opts.SchemaMode)
	}
	if opts.Variant == "" {
		opts.Variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(opts.Variant)) {
		return nil, fmt.Errorf("llm: unknown prompt variant %q", opts.Variant)
	}
	if opts.EvalModel == "" {
		opts.EvalModel = opts.Model
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		genModel:   opts.Model,
		evalModel:  opts.EvalModel,
		schemaMode: opts.SchemaMode,
		lang:       opts.Lang,
		variant:    opts.Variant,
		metrics:    opts.Metrics,
	}, nil
}

// Ping checks that the API is reachable by listing models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM ping: %w", err)
	}
	return nil
}

// Generate drafts a plan and questions, a regenerated plan, or a single
// replacement question depending on the request's mode. No partial result
// is ever returned: any failure wraps model.ErrGenerationFailed.
func (c *Client) Generate(ctx context.Context, req model.GenerateRequest) (*model.GenerationResult, error) {
	start := time.Now()
	res, err := c.generate(ctx, req)
	c.metrics.ObserveLLM("generate_"+string(req.Mode()), start, err)
	if err != nil {
		slog.Warn("generation failed", "mode", req.Mode(), "error", err)
		return nil, fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}
	return res, nil
}

func (c *Client) generate(ctx context.Context, req model.GenerateRequest) (*model.GenerationResult, error) {
	prompt, err := prompts.BuildGeneratePrompt(req, c.lang)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	raw, err := c.complete(ctx, c.genModel, prompt, "questions_response", questionsSchema, 0.7)
	if err != nil {
		return nil, err
	}

	var res model.GenerationResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("parse generation response: %w", err)
	}
	if err := validateGeneration(&res, req); err != nil {
		return nil, fmt.Errorf("invalid generation response: %w", err)
	}
	return &res, nil
}

// Evaluate grades a submission. The returned evaluation carries exactly one
// question evaluation per submitted question, in question order. Id and
// completion time are left to the caller.
func (c *Client) Evaluate(ctx context.Context, sub model.Submission) (*model.Evaluation, error) {
	start := time.Now()
	ev, err := c.evaluate(ctx, sub)
	c.metrics.ObserveLLM("evaluate", start, err)
	if err != nil {
		slog.Warn("evaluation failed", "test_id", sub.TestID, "error", err)
		return nil, fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}
	return ev, nil
}

func (c *Client) evaluate(ctx context.Context, sub model.Submission) (*model.Evaluation, error) {
	if len(sub.TestData.Questions) == 0 {
		return nil, errors.New("submission has no questions")
	}
	prompt, err := prompts.BuildEvalPrompt(c.variant, sub, c.lang)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	raw, err := c.complete(ctx, c.evalModel, prompt, "evaluation", evaluationSchema, 0.3)
	if err != nil {
		return nil, err
	}

	var ev model.Evaluation
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("parse evaluation response: %w", err)
	}
	if err := validateEvaluation(&ev); err != nil {
		return nil, fmt.Errorf("invalid evaluation response: %w", err)
	}
	ev.QuestionEvaluations = alignEvaluations(sub.TestData.Questions, ev.QuestionEvaluations)
	return &ev, nil
}

func (c *Client) complete(ctx context.Context, modelName, prompt, schemaName string,
	schema jsonschema.Definition, temperature float32) (string, error) {
	system := "You respond only with a JSON object matching the requested format."
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   schemaName,
			Schema: &schema,
			Strict: true,
		},
	}
	if c.schemaMode == SchemaModeJSONObject {
		shape, err := json.Marshal(&schema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		system += "\nThe JSON object must match this JSON schema:\n" + string(shape)
		format = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: format,
		Temperature:    temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("LLM refused: %s", msg.Refusal)
	}

	raw := stripCodeFence(msg.Content)
	slog.Debug("LLM response", "model", modelName, "raw", raw)
	return raw, nil
}

// stripCodeFence removes a ```json fence some servers wrap around JSON mode
// output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
