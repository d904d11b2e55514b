package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// Anthropic talks to the Messages API.
type Anthropic struct {
	msgs      *anthropicsdk.MessageService
	model     string
	maxTokens int64
	log       logger.Logger
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config, client *httpclient.Client, log logger.Logger) (*Anthropic, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(client.HTTPClient()),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c := anthropicsdk.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		msgs:      &c.Messages,
		model:     model,
		maxTokens: cfg.maxTokens(),
		log:       log.Module("llm.anthropic"),
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) send(ctx context.Context, system string, messages []anthropicsdk.MessageParam) (string, error) {
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	msg, err := a.msgs.New(ctx, params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (a *Anthropic) AnalyzeImage(ctx context.Context, image []byte) (string, error) {
	messages := []anthropicsdk.MessageParam{{
		Role: anthropicsdk.MessageParamRoleUser,
		Content: []anthropicsdk.ContentBlockParamUnion{
			anthropicsdk.NewImageBlockBase64(imageMIME, base64.StdEncoding.EncodeToString(image)),
			anthropicsdk.NewTextBlock(AnalysisPrompt),
		},
	}}
	text, err := a.send(ctx, "", messages)
	if err != nil {
		return "", wrapErr(err, a.Name(), "analyze_image")
	}
	a.log.Debug("image analyzed", logger.Int("chars", len(text)))
	return text, nil
}

func (a *Anthropic) Chat(ctx context.Context, history []Message) (string, error) {
	system, turns := splitSystem(history)
	messages := make([]anthropicsdk.MessageParam, 0, len(turns)+1)
	for _, m := range turns {
		role := anthropicsdk.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropicsdk.MessageParamRoleAssistant
		}
		messages = append(messages, anthropicsdk.MessageParam{
			Role:    role,
			Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(m.Content)},
		})
	}
	// The API requires the conversation to open with a user turn.
	if len(messages) == 0 || messages[0].Role != anthropicsdk.MessageParamRoleUser {
		messages = append([]anthropicsdk.MessageParam{{
			Role:    anthropicsdk.MessageParamRoleUser,
			Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock("(call connected)")},
		}}, messages...)
	}

	text, err := a.send(ctx, system, messages)
	if err != nil {
		return "", wrapErr(err, a.Name(), "chat")
	}
	return text, nil
}
