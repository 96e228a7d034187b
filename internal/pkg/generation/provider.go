package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/env"
)

const defaultProviderAPIBaseURL = "https://api.replicate.com/v1"

// ProviderClient submits generation jobs to the model-hosting provider and
// registers the webhook callback that later drives the job terminal.
type ProviderClient struct {
	APIBaseURL string
	APIToken   string
	WebhookURL string

	HTTPClient *http.Client
}

// NewProviderClientFromEnv builds a provider client from process configuration.
func NewProviderClientFromEnv() *ProviderClient {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	webhookURL := strings.TrimSpace(env.GetEnv("GENERATION_WEBHOOK_URL", ""))
	if webhookURL == "" && base != "" {
		webhookURL = base + "/api/webhooks/generation"
	}

	return &ProviderClient{
		APIBaseURL: strings.TrimRight(env.GetEnv("GENERATION_API_BASE_URL", defaultProviderAPIBaseURL), "/"),
		APIToken:   strings.TrimSpace(env.GetEnv("GENERATION_API_TOKEN", "")),
		WebhookURL: webhookURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type predictionRequest struct {
	Model   string            `json:"model"`
	Input   map[string]string `json:"input"`
	Webhook string            `json:"webhook,omitempty"`
}

type predictionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// SubmitJob starts a prediction for the job and returns the provider's
// prediction id. The callback URL carries the job id as a query parameter so
// the webhook handler can resolve the local job without provider state.
func (c *ProviderClient) SubmitJob(ctx context.Context, job *models.GenerationJob) (string, error) {
	if c.APIToken == "" {
		return "", fmt.Errorf("generation provider token is not configured")
	}

	callback := ""
	if c.WebhookURL != "" {
		callback = c.WebhookURL + "?jobId=" + url.QueryEscape(strconv.FormatUint(uint64(job.ID), 10))
	}

	reqBody, err := json.Marshal(predictionRequest{
		Model: job.Model,
		Input: map[string]string{
			"prompt": job.Prompt,
		},
		Webhook: callback,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+"/predictions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit prediction: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read prediction response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("submit prediction: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pred predictionResponse
	if err := json.Unmarshal(body, &pred); err != nil {
		return "", fmt.Errorf("decode prediction response: %w", err)
	}
	if pred.ID == "" {
		return "", fmt.Errorf("provider returned no prediction id")
	}
	return pred.ID, nil
}
