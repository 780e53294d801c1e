package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Provider bound to a decrypted API key and resolved model id.
func New(ctx context.Context, apiKey, model string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{apiKey: apiKey, model: model, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil
	}
	p.client = client

	return p
}

func (p *Provider) Kind() providers.Kind { return providers.Gemini }

func (p *Provider) ValidateCredentials(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.CredentialTimeout)
	defer cancel()

	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return false, toProviderError(err)
	}
	return true, nil
}

func (p *Provider) GenerateText(ctx context.Context, req providers.TextRequest) (providers.Response, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	cfg := p.baseConfig(req)
	return p.call(ctx, contents, cfg, req.RequestID)
}

func (p *Provider) GenerateMultimodal(ctx context.Context, req providers.MultimodalRequest) (providers.Response, error) {
	part := &genai.Part{
		InlineData: &genai.Blob{Data: req.Image.Bytes, MIMEType: req.Image.MimeType},
	}
	textPart := &genai.Part{Text: req.Prompt}
	contents := []*genai.Content{{Role: string(genai.RoleUser), Parts: []*genai.Part{part, textPart}}}
	cfg := p.baseConfig(req.TextRequest)
	return p.call(ctx, contents, cfg, req.RequestID)
}

func (p *Provider) baseConfig(req providers.TextRequest) *genai.GenerateContentConfig {
	if req.SystemPrompt == "" && req.Temperature <= 0 && req.MaxTokens <= 0 {
		return nil
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

func (p *Provider) call(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig, requestID string) (providers.Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return providers.Response{}, toProviderError(err)
	}

	id := requestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}

	out := providers.Response{ID: id, Model: p.model, Content: text}
	if resp != nil && resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.Usage.InputTokens == 0 && out.Usage.OutputTokens == 0 {
		out.Usage.OutputTokens = providers.EstimateTokens(text)
		out.Usage.Estimated = true
	}
	return out, nil
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
