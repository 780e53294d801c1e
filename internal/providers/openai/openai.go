package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements providers.Provider for OpenAI (official SDK).
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Provider bound to a decrypted API key and resolved model id.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: model, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Kind() providers.Kind { return providers.OpenAI }

func (p *Provider) ValidateCredentials(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.CredentialTimeout)
	defer cancel()

	_, err := p.client.Models.List(ctx)
	if err != nil {
		return false, toProviderError(err)
	}
	return true, nil
}

func (p *Provider) GenerateText(ctx context.Context, req providers.TextRequest) (providers.Response, error) {
	params := p.baseParams(req)
	params.Messages = textMessages(req)
	return p.call(ctx, params)
}

func (p *Provider) GenerateMultimodal(ctx context.Context, req providers.MultimodalRequest) (providers.Response, error) {
	params := p.baseParams(req.TextRequest)
	params.Messages = imageMessages(req)
	return p.call(ctx, params)
}

func (p *Provider) baseParams(req providers.TextRequest) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{Model: p.model}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func textMessages(req providers.TextRequest) []openaiSDK.ChatCompletionMessageParamUnion {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))
	return msgs
}

// imageMessages builds a user turn carrying the prompt text alongside the
// image, encoded as a base64 data URI per OpenAI's content-part shape.
func imageMessages(req providers.MultimodalRequest) []openaiSDK.ChatCompletionMessageParamUnion {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemPrompt))
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", req.Image.MimeType, base64.StdEncoding.EncodeToString(req.Image.Bytes))
	parts := []openaiSDK.ChatCompletionContentPartUnionParam{
		{OfText: &openaiSDK.ChatCompletionContentPartTextParam{Text: req.Prompt}},
		{OfImageURL: &openaiSDK.ChatCompletionContentPartImageParam{
			ImageURL: openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: dataURI},
		}},
	}
	msgs = append(msgs, openaiSDK.UserMessage(parts))
	return msgs
}

func (p *Provider) call(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (providers.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, option.WithAPIKey(p.apiKey))
	if err != nil {
		return providers.Response{}, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	out := providers.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if out.Usage.InputTokens == 0 && out.Usage.OutputTokens == 0 {
		out.Usage.OutputTokens = providers.EstimateTokens(content)
		out.Usage.Estimated = true
	}
	return out, nil
}

// ProviderError is a structured error returned by the OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
