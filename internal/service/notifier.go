package service

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/onboarding/internal/messaging"
	"example.com/backstage/services/onboarding/internal/onboarding"
)

// EventDeviceOnboarded is the message type published after a run
const EventDeviceOnboarded = "device.onboarded"

// OnboardedEvent is the message the notification collaborator consumes
type OnboardedEvent struct {
	Type         string                  `json:"type"`
	Notification onboarding.Notification `json:"notification"`
	SentAt       time.Time               `json:"sent_at"`
}

// ServiceBusNotifier publishes onboarding results for the notification collaborator
type ServiceBusNotifier struct {
	client messaging.ServiceBusClient
}

// NewServiceBusNotifier creates a notifier on top of a Service Bus client
func NewServiceBusNotifier(client messaging.ServiceBusClient) *ServiceBusNotifier {
	return &ServiceBusNotifier{client: client}
}

// Notify publishes n using the device id as session so a device's
// notifications are consumed in order
func (n *ServiceBusNotifier) Notify(ctx context.Context, notification onboarding.Notification) error {
	event := OnboardedEvent{
		Type:         EventDeviceOnboarded,
		Notification: notification,
		SentAt:       time.Now().UTC(),
	}
	if err := n.client.SendMessage(ctx, event, notification.DeviceID); err != nil {
		return fmt.Errorf("failed to publish onboarding notification: %w", err)
	}
	return nil
}
