// Package llm wraps the language model providers used for fire image analysis
// and for the voice follow-up dialogue.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is one entry of a chat history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Analyzer describes a fire image in prose.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, image []byte) (string, error)
}

// Chatter produces the next assistant turn for a history.
type Chatter interface {
	Chat(ctx context.Context, history []Message) (string, error)
}

// Provider is a model backend able to do both.
type Provider interface {
	Analyzer
	Chatter
	Name() string
}

// AnalysisPrompt asks for the assessment sent to users and used to decide on
// a call.
const AnalysisPrompt = `Analyze this fire image and provide a detailed assessment. Include:
1. Severity level (low, medium, high, extreme)
2. Visible flame characteristics
3. Smoke density and color
4. Probable fire type (electrical, chemical, natural material, etc.)
5. Potential spread risk
6. Any visible hazards or concerns
7. Brief recommendations for immediate action

Format your response in an easy-to-read manner suitable for someone checking on a fire alert.
Start the response with a line of the form "Severity: <level>".`

// FallbackAnalysis replaces the analysis when the model is unavailable.
const FallbackAnalysis = "Unable to analyze the fire image at this moment. Please check the visual directly or contact emergency services if the situation appears dangerous."

const imageMIME = "image/jpeg"

// ErrEmptyResponse is returned when a model answers without text.
var ErrEmptyResponse = errors.NewStd("model returned no text")

// Config selects and configures a provider.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// ConfigFrom maps settings to a Config.
func ConfigFrom(s *conf.LLMSettings) Config {
	return Config{
		Provider:  s.Provider,
		APIKey:    s.APIKey,
		Model:     s.Model,
		BaseURL:   s.BaseURL,
		MaxTokens: s.MaxTokens,
	}
}

func (c Config) maxTokens() int64 {
	if c.MaxTokens <= 0 {
		return 1024
	}
	return int64(c.MaxTokens)
}

// New builds the configured provider. It returns nil, nil for "none".
func New(cfg Config, client *httpclient.Client, log logger.Logger) (Provider, error) {
	if client == nil {
		client = httpclient.New(nil)
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "gemini":
		return NewGemini(cfg, client, log)
	case "openai":
		return NewOpenAI(cfg, client, log)
	case "anthropic":
		return NewAnthropic(cfg, client, log)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// splitSystem separates system messages from the dialogue turns.
func splitSystem(history []Message) (system string, turns []Message) {
	var sys []string
	for _, m := range history {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				sys = append(sys, s)
			}
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(sys, "\n\n"), turns
}

func wrapErr(err error, provider, op string) error {
	return errors.New(err).
		Component("llm").
		Category(errors.CategoryAnalysis).
		Context("provider", provider).
		Context("operation", op).
		Build()
}
