package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a Provider bound to a decrypted API key and resolved model id.
// The key lives only for the lifetime of the returned Provider, which in
// turn is expected to live only for the duration of a single generate call.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: model, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Kind() providers.Kind { return providers.Anthropic }

func (p *Provider) ValidateCredentials(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.CredentialTimeout)
	defer cancel()

	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return false, toProviderError(err)
	}
	return true, nil
}

func (p *Provider) GenerateText(ctx context.Context, req providers.TextRequest) (providers.Response, error) {
	params := p.baseParams(req)
	params.Messages = []anthropic.MessageParam{textMessage(req.Prompt)}
	return p.call(ctx, params)
}

func (p *Provider) GenerateMultimodal(ctx context.Context, req providers.MultimodalRequest) (providers.Response, error) {
	params := p.baseParams(req.TextRequest)
	params.Messages = []anthropic.MessageParam{imageMessage(req.Prompt, req.Image)}
	return p.call(ctx, params)
}

func (p *Provider) baseParams(req providers.TextRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func textMessage(text string) anthropic.MessageParam {
	return anthropic.MessageParam{
		Role: anthropic.MessageParamRoleUser,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: text}},
		},
	}
}

// imageMessage builds a user turn carrying a base64-encoded inline image
// alongside the prompt text.
func imageMessage(text string, img providers.Image) anthropic.MessageParam {
	data := base64.StdEncoding.EncodeToString(img.Bytes)
	return anthropic.MessageParam{
		Role: anthropic.MessageParamRoleUser,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							MediaType: anthropic.Base64ImageSourceMediaType(img.MimeType),
							Data:      data,
						},
					},
				},
			},
			{OfText: &anthropic.TextBlockParam{Text: text}},
		},
	}
}

func (p *Provider) call(ctx context.Context, params anthropic.MessageNewParams) (providers.Response, error) {
	msg, err := p.client.Messages.New(ctx, params, option.WithAPIKey(p.apiKey))
	if err != nil {
		return providers.Response{}, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	resp := providers.Response{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if resp.Usage.InputTokens == 0 && resp.Usage.OutputTokens == 0 {
		resp.Usage.OutputTokens = providers.EstimateTokens(resp.Content)
		resp.Usage.Estimated = true
	}
	return resp, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}
