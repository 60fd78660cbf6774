package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"operator-broker/internal/action"
	"operator-broker/internal/config"
)

// OpenAI plans actions through an OpenAI-compatible chat completion
// endpoint.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
}

// NewOpenAI builds the planner from config. The API key is resolved
// through the usual chain (explicit, environment, key file).
func NewOpenAI(cfg config.PlannerConfig) (*OpenAI, error) {
	key, err := ResolveAPIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// DecideNextAction asks the model for the next step and parses its
// reply.
func (o *OpenAI) DecideNextAction(ctx context.Context, goal string, history []action.Action) (action.Action, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserPrompt(goal, history)),
		},
	}
	if o.temperature > 0 {
		params.Temperature = openai.Float(o.temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return action.Action{}, fmt.Errorf("planner request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return action.Action{}, errors.New("planner returned no choices")
	}

	return ParseAction(resp.Choices[0].Message.Content)
}
