package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"example.com/backstage/services/onboarding/api/middleware"
	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/onboarding"
	"example.com/backstage/services/onboarding/internal/service"
	"example.com/backstage/services/onboarding/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IdempotencyKeyHeader lets clients resubmit an onboarding safely
const IdempotencyKeyHeader = "Idempotency-Key"

const keepAliveInterval = 15 * time.Second

// OnboardingHandler handles device onboarding requests
type OnboardingHandler struct {
	service     service.Service
	log         *logrus.Logger
	maxFileSize int64
}

// NewOnboardingHandler creates a new OnboardingHandler instance
func NewOnboardingHandler(svc service.Service, log *logrus.Logger, maxFileSize int64) *OnboardingHandler {
	return &OnboardingHandler{
		service:     svc,
		log:         log,
		maxFileSize: maxFileSize,
	}
}

// onboardingForm is the multipart form of an onboarding submission
type onboardingForm struct {
	Name           string `form:"name" validate:"required,notblank,max=255"`
	Type           string `form:"type" validate:"required,max=100"`
	Location       string `form:"location" validate:"max=255"`
	Protocol       string `form:"protocol" validate:"required,protocol"`
	Connection     string `form:"connection"`
	OrganizationID string `form:"organization_id" validate:"required"`
	AssigneeID     string `form:"assignee_id"`
}

// SubmitOnboarding accepts a device plus optional document and queues the pipeline
func (h *OnboardingHandler) SubmitOnboarding(c *gin.Context) {
	var form onboardingForm
	if err := c.ShouldBind(&form); err != nil {
		h.log.WithError(err).Warn("Invalid onboarding form")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid onboarding form",
		})
		return
	}
	if err := utils.ValidateStruct(form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	var params map[string]any
	if form.Connection != "" {
		if err := json.Unmarshal([]byte(form.Connection), &params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "connection must be a JSON object",
			})
			return
		}
	}

	req := &onboarding.Request{
		Name:             form.Name,
		Type:             form.Type,
		Location:         form.Location,
		Protocol:         form.Protocol,
		ConnectionParams: params,
		OrganizationID:   form.OrganizationID,
		UserID:           middleware.GetUserID(c),
		AssigneeID:       form.AssigneeID,
	}

	fileHeader, err := c.FormFile("file")
	switch {
	case err == nil:
		doc, status, err := h.readDocument(fileHeader)
		if err != nil {
			c.JSON(status, gin.H{
				"error": err.Error(),
			})
			return
		}
		req.Document = doc
	case !errors.Is(err, http.ErrMissingFile):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid file upload",
		})
		return
	}

	job, err := h.service.SubmitOnboarding(c.Request.Context(), req, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		if errors.Is(err, service.ErrQueueFull) || errors.Is(err, service.ErrProcessorDisabled) || errors.Is(err, service.ErrProcessorStopped) {
			h.log.WithError(err).Warn("Onboarding rejected")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Onboarding is temporarily unavailable, retry later",
			})
			return
		}
		h.log.WithError(err).Error("Failed to submit onboarding")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit onboarding",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":       job.ID,
		"device_id":    job.DeviceID,
		"status":       job.Status,
		"progress_url": fmt.Sprintf("/api/v1/onboarding/%s/progress", job.ID),
	})
}

func (h *OnboardingHandler) readDocument(fh *multipart.FileHeader) (*docintel.Document, int, error) {
	if h.maxFileSize > 0 && fh.Size > h.maxFileSize {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds the %d byte limit", h.maxFileSize)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to read uploaded file")
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to read uploaded file")
	}
	if len(content) == 0 {
		return nil, http.StatusBadRequest, errors.New("uploaded file is empty")
	}

	return &docintel.Document{Filename: fh.Filename, Content: content}, 0, nil
}

// GetOnboardingJob returns the job record of an onboarding
func (h *OnboardingHandler) GetOnboardingJob(c *gin.Context) {
	job, err := h.service.GetOnboardingJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Onboarding job not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to get onboarding job")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get onboarding job",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// StreamProgress streams progress events as server-sent events until the
// terminal event or until the client goes away
func (h *OnboardingHandler) StreamProgress(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.service.SubscribeProgress(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Onboarding job not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to subscribe to onboarding progress")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to subscribe to onboarding progress",
		})
		return
	}
	defer sub.Cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case p, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent("progress", p)
			return !p.Terminal
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			h.log.WithField("job_id", id).Debug("Progress subscriber disconnected")
			return false
		}
	})
}

// GetProcessorStats returns statistics about the onboarding processor
func (h *OnboardingHandler) GetProcessorStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetProcessorStats())
}
