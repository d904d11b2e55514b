package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

const (
	defaultGeminiModel   = "gemini-1.5-pro"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
)

// Gemini talks to the Generative Language REST API.
type Gemini struct {
	client    *httpclient.Client
	baseURL   string
	apiKey    string
	model     string
	maxTokens int64
	log       logger.Logger
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int64 `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content *geminiContent `json:"content"`
	} `json:"candidates"`
}

// NewGemini creates a Gemini provider using client for transport.
func NewGemini(cfg Config, client *httpclient.Client, log logger.Logger) (*Gemini, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		client:    client,
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		maxTokens: cfg.maxTokens(),
		log:       log.Module("llm.gemini"),
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) endpoint() string {
	model := g.model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	return fmt.Sprintf("%s/v1beta/%s:generateContent", g.baseURL, model)
}

func (g *Gemini) generate(ctx context.Context, body *geminiRequest) (string, error) {
	body.GenerationConfig.MaxOutputTokens = g.maxTokens
	req, err := httpclient.NewRequest(ctx, http.MethodPost, g.endpoint(), "", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-goog-api-key", g.apiKey)

	var resp geminiResponse
	if err := g.client.DoJSON(ctx, req, &resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		break
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (g *Gemini) AnalyzeImage(ctx context.Context, image []byte) (string, error) {
	body := &geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: AnalysisPrompt},
				{InlineData: &geminiBlob{
					MimeType: imageMIME,
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	}
	text, err := g.generate(ctx, body)
	if err != nil {
		return "", wrapErr(err, g.Name(), "analyze_image")
	}
	g.log.Debug("image analyzed", logger.Int("chars", len(text)))
	return text, nil
}

func (g *Gemini) Chat(ctx context.Context, history []Message) (string, error) {
	system, turns := splitSystem(history)
	body := &geminiRequest{}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if len(body.Contents) == 0 {
		body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "."}}}}
	}

	text, err := g.generate(ctx, body)
	if err != nil {
		return "", wrapErr(err, g.Name(), "chat")
	}
	return text, nil
}
