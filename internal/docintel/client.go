package docintel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/backstage/services/onboarding/config"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	opUpload      = "upload"
	opRules       = "generate-rules"
	opMaintenance = "generate-maintenance"
	opSafety      = "generate-safety"
)

// Client talks to the document intelligence service
type Client interface {
	Upload(ctx context.Context, doc Document, organizationID string) (*UploadResult, error)
	GenerateRules(ctx context.Context, handle DocumentHandle, deviceID, organizationID string) ([]GeneratedRule, error)
	GenerateMaintenance(ctx context.Context, handle DocumentHandle, deviceID, organizationID string) ([]GeneratedMaintenanceTask, error)
	GenerateSafety(ctx context.Context, handle DocumentHandle, deviceID, organizationID string) ([]GeneratedSafetyItem, error)
}

type client struct {
	http   *resty.Client
	upload *resty.Client
	cfg    config.DocIntelConfig
	log    *logrus.Logger
}

// NewClient creates a document intelligence client. Uploads and generation
// calls use separate resty clients so each gets its own per-attempt timeout.
func NewClient(cfg config.DocIntelConfig, log *logrus.Logger) Client {
	return &client{
		http:   newRestyClient(cfg, cfg.Timeout, log),
		upload: newRestyClient(cfg, cfg.UploadTimeout, log),
		cfg:    cfg,
		log:    log,
	}
}

func newRestyClient(cfg config.DocIntelConfig, timeout time.Duration, log *logrus.Logger) *resty.Client {
	wait, maxWait := cfg.GetRetryBounds()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(max(cfg.MaxRetries, 0)).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(maxWait).
		SetRetryResetReaders(true).
		AddRetryCondition(shouldRetry).
		AddRetryHook(func(resp *resty.Response, err error) {
			fields := logrus.Fields{}
			if resp != nil && resp.Request != nil {
				fields["attempt"] = resp.Request.Attempt
				fields["status"] = resp.StatusCode()
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.WithFields(fields).Warn("Retrying document intelligence call")
		})

	if timeout > 0 {
		httpClient.SetTimeout(timeout)
	}
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}
	return httpClient
}

// shouldRetry retries transport errors, 429 and 5xx answers
func shouldRetry(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	status := resp.StatusCode()
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

// Upload sends the document as multipart form data and returns its handle
func (c *client) Upload(ctx context.Context, doc Document, organizationID string) (*UploadResult, error) {
	if len(doc.Content) == 0 {
		return nil, rejected(opUpload, 0, "document is empty", nil)
	}
	if !c.cfg.IsFileSizeAllowed(int64(len(doc.Content))) {
		return nil, rejected(opUpload, 0, "document exceeds the maximum file size", nil)
	}

	req := c.upload.R().
		SetFileReader("file", doc.Filename, bytes.NewReader(doc.Content))
	if organizationID != "" {
		req.SetFormData(map[string]string{"organization_id": organizationID})
	}

	raw, err := c.send(ctx, opUpload, req, "/upload")
	if err != nil {
		return nil, err
	}

	var resp uploadResponse
	if err := decode(opUpload, raw, &resp); err != nil {
		return nil, err
	}
	if failed(resp.Success) {
		return nil, rejected(opUpload, http.StatusOK, resp.Message.String(), nil)
	}
	if resp.PDFName.String() == "" {
		return nil, rejected(opUpload, http.StatusOK, "response is missing pdf_name", nil)
	}

	return &UploadResult{
		Handle:          DocumentHandle(resp.PDFName.String()),
		ChunksProcessed: atoi(resp.ChunksProcessed),
		ProcessingTime:  resp.ProcessingTime.String(),
	}, nil
}

// GenerateRules asks the remote service for monitoring rules
func (c *client) GenerateRules(ctx context.Context, handle DocumentHandle, deviceID, organizationID string) ([]GeneratedRule, error) {
	raw, err := c.generate(ctx, opRules, handle, deviceID, organizationID)
	if err != nil {
		return nil, err
	}

	var resp rulesResponse
	if err := decode(opRules, raw, &resp); err != nil {
		return nil, err
	}
	if failed(resp.Success) {
		return nil, rejected(opRules, http.StatusOK, resp.Message.String(), nil)
	}
	return resp.Rules, nil
}

// GenerateMaintenance asks the remote service for maintenance tasks
func (c *client) GenerateMaintenance(ctx context.Context, handle DocumentHandle, deviceID, organizationID string) ([]GeneratedMaintenanceTask, error) {
	raw, err := c.generate(ctx, opMaintenance, handle, deviceID, organizationID)
	if err != nil {
		return nil, err
	}

	var resp maintenanceResponse
	if err := decode(opMaintenance, raw, &resp); err != nil {
		return nil, err
	}
	if failed(resp.Success) {
		return nil, rejected(opMaintenance, http.StatusOK, resp.Message.String(), nil)
	}
	return resp.MaintenanceTasks, nil
}

// GenerateSafety asks the remote service for safety precautions
func (c *client) GenerateSafety(ctx context.Context, handle DocumentHandle, deviceID, organizationID string) ([]GeneratedSafetyItem, error) {
	raw, err := c.generate(ctx, opSafety, handle, deviceID, organizationID)
	if err != nil {
		return nil, err
	}

	var resp safetyResponse
	if err := decode(opSafety, raw, &resp); err != nil {
		return nil, err
	}
	if failed(resp.Success) {
		return nil, rejected(opSafety, http.StatusOK, resp.Message.String(), nil)
	}
	if resp.SafetyPrecautions != nil {
		return resp.SafetyPrecautions, nil
	}
	return resp.SafetyInformation, nil
}

func (c *client) generate(ctx context.Context, op string, handle DocumentHandle, deviceID, organizationID string) ([]byte, error) {
	if handle == "" {
		return nil, rejected(op, 0, "document handle is required", nil)
	}

	req := c.http.R().
		SetPathParam("pdfName", string(handle)).
		SetQueryParams(map[string]string{
			"deviceId": deviceID,
			"orgId":    organizationID,
		})

	return c.send(ctx, op, req, "/"+op+"/{pdfName}")
}

// send posts req and classifies the final answer once resty has used up
// its retries
func (c *client) send(ctx context.Context, op string, req *resty.Request, url string) ([]byte, error) {
	resp, err := req.SetContext(ctx).Post(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, unavailable(op, 0, "cancelled", ctxErr)
		}
		return nil, unavailable(op, 0, "", err)
	}

	// Per-call timing for slow document processing
	c.log.WithFields(logrus.Fields{
		"op":       op,
		"status":   resp.StatusCode(),
		"latency":  resp.Time(),
		"attempts": resp.Request.Attempt,
	}).Debug("Document intelligence call finished")

	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return nil, unavailable(op, status, snippet(resp.Body()), nil)
	case status >= http.StatusBadRequest:
		return nil, rejected(op, status, snippet(resp.Body()), nil)
	}

	return resp.Body(), nil
}

func decode(op string, raw []byte, dest interface{}) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return rejected(op, http.StatusOK, "malformed response", err)
	}
	return nil
}

func snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
