package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"

	"osce/pkg/llm/llmerrors"
)

// KeySource resolves the API key on every call. The client is rebuilt when the key changes.
type KeySource func() (string, error)

// StaticKey returns a KeySource for a fixed key.
func StaticKey(key string) KeySource {
	return func() (string, error) { return key, nil }
}

// GeminiConfig configures the genai-backed endpoint.
type GeminiConfig struct {
	Key        KeySource
	BaseURL    string        // empty means the public endpoint
	APIVersion string        // empty means the SDK default
	Timeout    time.Duration // per-request timeout; zero disables it
	HTTPClient *http.Client
}

// GeminiEndpoint implements Endpoint on top of the genai SDK.
// The SDK client is created on first use, not at construction.
type GeminiEndpoint struct {
	client *genai.Client
	key    string
	config GeminiConfig
	mu     sync.Mutex
}

// NewGeminiEndpoint stores the config; no network or credential access happens here.
func NewGeminiEndpoint(config GeminiConfig) *GeminiEndpoint {
	return &GeminiEndpoint{config: config}
}

// GenerateContent implements Endpoint.
func (g *GeminiEndpoint) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	//nolint:wrapcheck // classified by the retrying client
	return client.Models.GenerateContent(ctx, model, contents, config)
}

func (g *GeminiEndpoint) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := ""
	if g.config.Key != nil {
		k, err := g.config.Key()
		if err != nil {
			return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeConfiguration, err, "GEMINI_API_KEY could not be read")
		}
		key = k
	}
	if key == "" {
		return nil, llmerrors.NewConfigurationError("GEMINI_API_KEY")
	}
	if g.client != nil && g.key == key {
		return g.client, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.config.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    g.config.BaseURL,
			APIVersion: g.config.APIVersion,
		},
	}
	if g.config.Timeout > 0 {
		timeout := g.config.Timeout
		cc.HTTPOptions.Timeout = &timeout
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeConfiguration, err,
			fmt.Sprintf("failed to create Gemini client: %v", err))
	}
	g.client = client
	g.key = key
	return client, nil
}
