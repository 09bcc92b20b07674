package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
)

// Indexer projects onboarding summaries into a search index
type Indexer interface {
	IndexOnboarding(ctx context.Context, summary *OnboardingSummary) error
}

// OnboardingSummary is the document stored per onboarded device
type OnboardingSummary struct {
	JobID            string                `json:"job_id"`
	DeviceID         string                `json:"device_id"`
	DeviceName       string                `json:"device_name"`
	DeviceType       string                `json:"device_type"`
	Location         string                `json:"location"`
	OrganizationID   string                `json:"organization_id"`
	RulesCount       int                   `json:"rules_count"`
	MaintenanceCount int                   `json:"maintenance_count"`
	SafetyCount      int                   `json:"safety_count"`
	Outcomes         []models.StageOutcome `json:"outcomes"`
	CompletedAt      time.Time             `json:"completed_at"`
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	return NewElasticClientWithTransport(cfg, nil)
}

// NewElasticClientWithTransport creates a client using a custom HTTP transport
func NewElasticClientWithTransport(cfg config.ElasticConfig, transport http.RoundTripper) (*ElasticClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch url is not configured")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexOnboarding indexes an onboarding summary keyed by device id
func (c *ElasticClient) IndexOnboarding(ctx context.Context, summary *OnboardingSummary) error {
	doc, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal onboarding summary")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: summary.DeviceID,
		Body:       bytes.NewReader(doc),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrapf(err, "failed to parse Elasticsearch error response (%s)", res.Status())
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	return nil
}
