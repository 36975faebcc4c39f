// Package anthropic provides a content.Service implementation backed by the
// Anthropic Claude Messages API. It translates pipeline content operations
// into anthropic.Message calls using github.com/anthropics/anthropic-sdk-go
// and parses the structured JSON the prompts request back into the generic
// content types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tailorworks/tailor/runtime/pipeline/content"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic content adapter.
	Options struct {
		// Model is the Claude model identifier used for all operations. Use
		// the typed model constants from github.com/anthropics/anthropic-sdk-go.
		// Required.
		Model string

		// MaxTokens caps completion length. Zero means 2048.
		MaxTokens int

		// Temperature is the sampling temperature for drafting operations.
		// Critique and compliance always run at zero temperature.
		Temperature float64
	}

	// Client implements content.Service on top of Anthropic Claude Messages.
	Client struct {
		msg        MessagesClient
		model      string
		maxTok     int64
		temp       float64
		planSchema *jsonschema.Schema
	}
)

// planSchemaJSON constrains the structured plan the model returns. Validation
// happens before the plan crosses into the run state so malformed model output
// is caught at the stage boundary, not downstream.
const planSchemaJSON = `{
	"type": "object",
	"required": ["summary", "skills", "experience_items"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"skills": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"experience_items": {"type": "array", "items": {"type": "string"}}
	}
}`

// New builds an Anthropic-backed content service from the provided Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := int64(opts.MaxTokens)
	if maxTok <= 0 {
		maxTok = 2048
	}
	schema, err := compilePlanSchema()
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &Client{
		msg:        msg,
		model:      opts.Model,
		maxTok:     maxTok,
		temp:       opts.Temperature,
		planSchema: schema,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// PlanDraft asks the model for a structured tailoring plan and validates it
// against the plan schema before returning.
func (c *Client) PlanDraft(ctx context.Context, req content.PlanRequest) (*content.DraftPlan, error) {
	prompt := buildPlanPrompt(req)
	text, err := c.complete(ctx, planSystemPrompt, prompt, c.temp)
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: plan: %v", content.ErrEmptyOutput, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := c.planSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan failed schema validation: %w", err)
	}
	var plan content.DraftPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// RenderDraft renders the tailored resume text from the plan.
func (c *Client) RenderDraft(ctx context.Context, req content.RenderRequest) (string, error) {
	prompt := buildRenderPrompt(req)
	text, err := c.complete(ctx, renderSystemPrompt, prompt, c.temp)
	if err != nil {
		return "", err
	}
	draft := strings.TrimSpace(text)
	if draft == "" {
		return "", content.ErrEmptyOutput
	}
	return draft, nil
}

// Critique reviews the draft against the profile and reports revision needs.
func (c *Client) Critique(ctx context.Context, req content.CritiqueRequest) (*content.CritiqueResult, error) {
	prompt := buildCritiquePrompt(req)
	text, err := c.complete(ctx, critiqueSystemPrompt, prompt, 0)
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: critique: %v", content.ErrEmptyOutput, err)
	}
	var result content.CritiqueResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode critique: %w", err)
	}
	return &result, nil
}

// ReviewCompliance evaluates the draft against the policy and returns the
// structured report.
func (c *Client) ReviewCompliance(ctx context.Context, req content.ComplianceRequest) (*content.ComplianceResult, error) {
	prompt := buildCompliancePrompt(req)
	text, err := c.complete(ctx, complianceSystemPrompt, prompt, 0)
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: compliance: %v", content.ErrEmptyOutput, err)
	}
	var result content.ComplianceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode compliance report: %w", err)
	}
	if result.Status != content.ComplianceApproved && result.Status != content.ComplianceRejected {
		return nil, fmt.Errorf("compliance report has unknown status %q", result.Status)
	}
	return &result, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string, temp float64) (string, error) {
	params := sdk.MessageNewParams{
		MaxTokens: c.maxTok,
		Model:     sdk.Model(c.model),
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %w", content.ErrRateLimited, err)
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", content.ErrEmptyOutput
	}
	return sb.String(), nil
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}

// extractJSON returns the first top-level JSON object in the model output.
// Models occasionally wrap JSON in prose or code fences despite instructions.
func extractJSON(text string) (json.RawMessage, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in output")
	}
	return json.RawMessage(text[start : end+1]), nil
}

func compilePlanSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(planSchemaJSON), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("plan.json")
}
