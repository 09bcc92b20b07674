package handlers

import (
	"errors"
	"net/http"

	"example.com/backstage/services/onboarding/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeviceHandler handles device-related requests
type DeviceHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewDeviceHandler creates a new DeviceHandler instance
func NewDeviceHandler(svc service.Service, log *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: svc,
		log:     log,
	}
}

// GetDevice returns a device with its rules, maintenance tasks and safety precautions
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	details, err := h.service.GetDeviceDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to get device")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get device",
		})
		return
	}

	c.JSON(http.StatusOK, details)
}

// SweepOverdueMaintenance runs the overdue maintenance sweep on demand
func (h *DeviceHandler) SweepOverdueMaintenance(c *gin.Context) {
	count, err := h.service.SweepOverdueMaintenance(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to sweep overdue maintenance")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to sweep overdue maintenance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"marked_overdue": count,
	})
}
