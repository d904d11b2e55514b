package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to the chat completions API, or any compatible endpoint set
// through BaseURL.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	log       logger.Logger
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg Config, client *httpclient.Client, log logger.Logger) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(client.HTTPClient()),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: cfg.maxTokens(),
		log:       log.Module("llm.openai"),
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(o.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return "", err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (o *OpenAI) AnalyzeImage(ctx context.Context, image []byte) (string, error) {
	dataURL := "data:" + imageMIME + ";base64," + base64.StdEncoding.EncodeToString(image)
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(AnalysisPrompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}),
	}
	text, err := o.complete(ctx, messages)
	if err != nil {
		return "", wrapErr(err, o.Name(), "analyze_image")
	}
	o.log.Debug("image analyzed", logger.Int("chars", len(text)))
	return text, nil
}

func (o *OpenAI) Chat(ctx context.Context, history []Message) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	text, err := o.complete(ctx, messages)
	if err != nil {
		return "", wrapErr(err, o.Name(), "chat")
	}
	return text, nil
}
