// File: internal/vision/gemini.go
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/minseochh02/keyclick/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// detectionInstruction is the fixed prompt sent with every keyboard image.
// The normalized coordinate space and the dual-script labels are spelled out
// so the model returns machine-usable boxes for every key, including the
// shift control and non-Latin glyphs.
const detectionInstruction = `You are given a screenshot of an on-screen virtual keyboard.
Detect EVERY key that is visible, including letter keys, digit keys, symbol keys,
non-Latin glyphs (for example Hangul jamo), and control keys such as shift.
If a key cap shows two characters from different scripts, return the label exactly
as rendered, e.g. "a / ㅏ".
Respond ONLY with a JSON object of the form:
{"keys": [{"label": "<key label>", "box_2d": [ymin, xmin, ymax, xmax]}]}
where box_2d coordinates are integers normalized to the range 0-1000 relative to
the image. Do not skip any key and do not invent keys that are not visible.`

// GeminiClient implements Client against the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	cfg        config.VisionConfig
}

// -- Gemini API request/response structures (internal to this file) --

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequestPayload struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// detectionPayload is the JSON document the model is instructed to emit.
type detectionPayload struct {
	Keys []Key `json:"keys"`
}

// NewGeminiClient initializes the client. Each login attempt gets its own
// instance so rate limiting is applied per session, never globally.
func NewGeminiClient(cfg config.VisionConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 12
	}

	return &GeminiClient{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		cfg:      cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		logger:  logger.Named("vision.gemini"),
	}, nil
}

// DetectKeys submits the image and parses the key list, retrying transient
// HTTP failures with exponential backoff.
func (c *GeminiClient) DetectKeys(ctx context.Context, png []byte) (*Detection, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("vision rate limiter: %w", err)
	}

	body, err := json.Marshal(c.buildRequestPayload(png))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.MaxElapsed
	b.MaxInterval = 30 * time.Second

	var raw string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during vision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("vision API returned no candidates"))
		}
		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("vision API blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("vision API returned empty content parts (reason: %s)", candidate.FinishReason)
		}

		c.logger.Debug("Vision inference complete",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount),
		)

		raw = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	keys, err := parseDetection(raw)
	if err != nil {
		return &Detection{Raw: raw}, err
	}
	return &Detection{Keys: keys, Raw: raw}, nil
}

func (c *GeminiClient) buildRequestPayload(png []byte) geminiRequestPayload {
	return geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role: "user",
				Parts: []geminiPart{
					{Text: detectionInstruction},
					{InlineData: &geminiBlob{
						MimeType: "image/png",
						Data:     base64.StdEncoding.EncodeToString(png),
					}},
				},
			},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      c.cfg.Temperature,
			ResponseMimeType: "application/json",
		},
	}
}

func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Vision API returned error status", zap.Int("status", statusCode), zap.ByteString("response", body))
	err := fmt.Errorf("vision API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}

var jsonBlockRegex = regexp.MustCompile("(?s)(?:```json\\s*|)(\\{.*\\})(?:```|)")

// parseDetection extracts the key list from the model's text output, stripping
// a code fence if the model wrapped its JSON in one.
func parseDetection(raw string) ([]Key, error) {
	text := strings.TrimSpace(raw)
	if matches := jsonBlockRegex.FindStringSubmatch(text); len(matches) > 1 {
		text = matches[1]
	}

	var payload detectionPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal detection payload: %w", err)
	}
	return payload.Keys, nil
}
