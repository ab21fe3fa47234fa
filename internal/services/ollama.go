package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama answers legal questions with a model served by an Ollama instance.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance for the server at host. It fails if host isn't a valid URL.
func NewOllama(host, model, systemPrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

// Chat streams the model's answer to the last question of messages, one text fragment at a time.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := []api.Message{{Role: "system", Content: o.systemPrompt}}
		for _, t := range chatTurns(messages) {
			msgs = append(msgs, api.Message{Role: t.role, Content: t.content})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if !yield(res.Message.Content, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// SuggestQuestions asks the model for follow-up questions to an answered question.
func (o Ollama) SuggestQuestions(ctx context.Context, question, answer string) ([]string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "system", Content: suggestionPrompt},
			{Role: "user", Content: suggestionRequest(question, answer)},
		},
		Stream: &f,
	}

	var reply string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		reply += res.Message.Content
		return nil
	}); err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	return parseSuggestions(reply), nil
}
