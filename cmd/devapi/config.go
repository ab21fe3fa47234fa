package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lexassist/lexchat-web/internal/services"
	"github.com/lexassist/lexchat-web/internal/upstream"
	"gopkg.in/yaml.v3"
)

const (
	defaultOllamaHost    = "http://localhost:11434"
	defaultOpenAIURL     = "https://api.openai.com/v1"
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"

	defaultSystemPrompt = "You are a legal assistant. Answer questions about the law clearly and " +
		"cite your sources as markdown links."
)

type assistant interface {
	upstream.LLM
	upstream.SuggestionGenerator
}

type llmConfig interface {
	assistant(systemPrompt string, logger *slog.Logger) (assistant, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string    `yaml:"port"`
	SystemPrompt string    `yaml:"systemPrompt"`
	JWTSecret    string    `yaml:"jwtSecret"`
	DBPath       string    `yaml:"dbPath"`
	LogLevel     string    `yaml:"logLevel"`
	LLM          llmConfig `yaml:"llm"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

// openAIConfig also serves OpenRouter, which speaks the same protocol under another base URL.
type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`

	keyEnv         string
	defaultBaseURL string
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		JWTSecret    string         `yaml:"jwtSecret"`
		DBPath       string         `yaml:"dbPath"`
		LogLevel     string         `yaml:"logLevel"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.JWTSecret = rawConfig.JWTSecret
	c.DBPath = rawConfig.DBPath
	c.LogLevel = rawConfig.LogLevel

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{keyEnv: "OPENAI_API_KEY", defaultBaseURL: defaultOpenAIURL}
	case "openrouter":
		llm = &openAIConfig{keyEnv: "OPENROUTER_API_KEY", defaultBaseURL: defaultOpenRouterURL}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c *config) setDefaults() {
	if c.Port == "" {
		c.Port = "8081"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("LEXCHAT_JWT_SECRET")
	}
}

func (o ollamaConfig) assistant(systemPrompt string, _ *slog.Logger) (assistant, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (o openAIConfig) assistant(systemPrompt string, logger *slog.Logger) (assistant, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" && o.keyEnv != "" {
		apiKey = os.Getenv(o.keyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required for provider %s", o.Provider)
	}

	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = o.defaultBaseURL
	}
	return services.NewOpenAI(apiKey, baseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) assistant(systemPrompt string, _ *slog.Logger) (assistant, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens), nil
}
