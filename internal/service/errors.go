package service

import "errors"

var (
	// ErrQueueFull is returned when the processor cannot accept another job
	ErrQueueFull = errors.New("onboarding queue is full")
	// ErrProcessorStopped is returned after Shutdown
	ErrProcessorStopped = errors.New("onboarding processor stopped")
	// ErrProcessorDisabled is returned by SubmitOnboarding when the service runs without workers
	ErrProcessorDisabled = errors.New("onboarding processor disabled")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("onboarding job not found")
	// ErrDeviceNotFound is returned for unknown device ids
	ErrDeviceNotFound = errors.New("device not found")
)
