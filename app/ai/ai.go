// package to connect to the vision model API
package ai

import (
	"context"
	"net/http"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/models"

	"github.com/DataDog/datadog-go/v5/statsd"
	log "github.com/sirupsen/logrus"
)

const (
	TIMEOUT = 60 * time.Second

	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"
)

type API struct {
	authToken string
	client    *http.Client
	endpoint  string
	model     models.Engine
	metrics   statsd.ClientInterface
}

// NewAPI creates new AI API
func NewAPI(cfg *config.Config) *API {
	endpoint := cfg.AnalysisAPIEndpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := models.Engine(cfg.AnalysisModel)
	if model == "" {
		model = models.ChatGpt4oMini
	}
	timeout := cfg.AnalysisTimeout
	if timeout <= 0 {
		timeout = TIMEOUT
	}
	return &API{
		authToken: cfg.OpenAIAPIKey,
		client: &http.Client{
			Timeout: timeout,
		},
		endpoint: endpoint,
		model:    model,
		metrics:  cfg.DataDogClient,
	}
}

// IsAvailable checks whether AI API is available
func (a *API) IsAvailable(ctx context.Context) bool {
	if a.authToken == "" {
		log.Errorf("PING: API key is not set")
		return false
	}

	response, err := a.complete(ctx, models.ChatMultimodalCompletion{
		Model: string(a.model),
		Messages: []models.MultimodalMessage{
			{
				Role:    "system",
				Content: []models.MultimodalContent{{Type: "text", Text: "Reply only \"OK\" or \"Not OK\""}},
			},
			{
				Role:    "user",
				Content: []models.MultimodalContent{{Type: "text", Text: "test"}},
			},
		},
		MaxTokens: 5,
	})
	if err != nil {
		log.Errorf("PING: API error: %+v", err)
		return false
	}

	log.Debugf("PING: API response: %+v", response)
	return true
}
