package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/lexassist/lexchat-web/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI answers legal questions with an OpenAI-compatible chat completion API. Setting a base URL
// points it at other compatible gateways such as OpenRouter.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters are the optional sampling parameters of a completion request. Nil fields are left to
// the provider's defaults.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL uses the OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, turns []chatTurn) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns)+1)
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, t := range turns {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    t.role,
			Content: t.content,
		})
	}
	return msgs
}

// Chat streams the model's answer to the last question of messages, one text fragment at a time.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(openAIMessages(o.systemPrompt, chatTurns(messages)), true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// SuggestQuestions asks the model for follow-up questions to an answered question.
func (o OpenAI) SuggestQuestions(ctx context.Context, question, answer string) ([]string, error) {
	msgs := openAIMessages(suggestionPrompt, []chatTurn{
		{role: goopenai.ChatMessageRoleUser, content: suggestionRequest(question, answer)},
	})

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(msgs, false))
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices found")
	}

	o.logger.Debug("Suggestions", slog.String("reply", resp.Choices[0].Message.Content))

	return parseSuggestions(resp.Choices[0].Message.Content), nil
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}
