package onboarding

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/telemetry"

	"github.com/sirupsen/logrus"
)

const defaultNotifyTimeout = 30 * time.Second

// step places a stage on the progress ladder
type step struct {
	stage  models.PipelineStage
	name   string
	before int
	after  int
}

var ladder = []step{
	{stage: models.StageDeviceCreate, name: "Creating device", before: 5, after: 15},
	{stage: models.StageDocumentUpload, name: "Uploading document", before: 20, after: 35},
	{stage: models.StageRulesGenerate, name: "Generating rules", before: 40, after: 55},
	{stage: models.StageMaintenanceGenerate, name: "Generating maintenance schedule", before: 60, after: 75},
	{stage: models.StageSafetyGenerate, name: "Generating safety precautions", before: 80, after: 90},
	{stage: models.StageNotify, name: "Notifying assignee", before: 95, after: 100},
}

// Options configures an Orchestrator
type Options struct {
	Store         Store
	DocIntel      docintel.Client
	Notifier      Notifier
	Logger        *logrus.Logger
	Clock         func() time.Time
	NotifyTimeout time.Duration
}

// Orchestrator drives one onboarding request through every pipeline stage
type Orchestrator struct {
	executors map[models.PipelineStage]Executor
	log       *logrus.Logger
	now       func() time.Time
}

// NewOrchestrator wires the stage executors
func NewOrchestrator(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}

	executors := []Executor{
		&deviceCreator{store: opts.Store, log: log},
		&documentUploader{store: opts.Store, docs: opts.DocIntel, log: log},
		newRulesGenerator(opts.Store, opts.DocIntel, log),
		newMaintenanceGenerator(opts.Store, opts.DocIntel, log),
		newSafetyGenerator(opts.Store, opts.DocIntel, log),
		&notifyStage{store: opts.Store, notifier: opts.Notifier, timeout: timeout, log: log},
	}

	o := &Orchestrator{
		executors: make(map[models.PipelineStage]Executor, len(executors)),
		log:       log,
		now:       now,
	}
	for _, e := range executors {
		o.executors[e.Stage()] = e
	}
	return o
}

// Run executes the pipeline for req and reports progress to reporter.
// A device creation failure aborts the run and is returned wrapped in
// ErrDeviceCreate together with the partial result. Every later stage
// failure is recorded in the result and the run continues.
func (o *Orchestrator) Run(ctx context.Context, req *Request, reporter Reporter) (*Result, error) {
	if reporter == nil {
		reporter = ReporterFunc(func(Progress) {})
	}

	result := &Result{
		RequestID: req.RequestID,
		DeviceID:  req.DeviceID,
		Outcomes:  make([]models.StageOutcome, 0, len(ladder)),
		StartedAt: o.now(),
	}
	st := &State{Request: req, Result: result, Now: result.StartedAt}
	em := &emitter{reporter: reporter, req: req}

	entry := o.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"device_id":  req.DeviceID,
	})
	entry.Info("Starting device onboarding")

	for i, s := range ladder {
		em.emit(s, i, s.before, StepProcessing, s.name, "", nil, false)

		outcome, err := o.execute(ctx, s.stage, st)

		if s.stage == models.StageDeviceCreate && err != nil {
			outcome.Status = models.StageFailed
			outcome.Error = err.Error()
			result.Outcomes = append(result.Outcomes, outcome)
			result.CompletedAt = o.now()

			entry.WithError(err).Error("Device creation failed, aborting onboarding")
			em.emit(s, i, s.before, StepFailed, "Device creation failed", "", err, true)
			return result, fmt.Errorf("%w: %w", ErrDeviceCreate, err)
		}

		if err != nil {
			outcome.Status = models.StageFailed
			outcome.Error = err.Error()
			entry.WithError(err).WithField("stage", s.stage).Warn("Onboarding stage failed, continuing")
		}
		result.Outcomes = append(result.Outcomes, outcome)

		status, message := describe(s, outcome)
		em.emit(s, i, s.after, status, message, subMessage(outcome), err, s.stage == models.StageNotify)
	}

	result.CompletedAt = o.now()
	entry.WithFields(logrus.Fields{
		"rules":       result.Counts.Rules,
		"maintenance": result.Counts.Maintenance,
		"safety":      result.Counts.Safety,
		"degraded":    result.Degraded(),
		"duration":    result.CompletedAt.Sub(result.StartedAt),
	}).Info("Device onboarding finished")

	return result, nil
}

// execute runs one executor, turning panics and cancellation into errors
func (o *Orchestrator) execute(ctx context.Context, stage models.PipelineStage, st *State) (outcome models.StageOutcome, err error) {
	outcome = models.StageOutcome{Stage: stage}

	exec, ok := o.executors[stage]
	if !ok {
		return outcome, fmt.Errorf("no executor registered for stage %s", stage)
	}

	// NOTIFY runs on a detached context, everything else stops once cancelled
	if stage != models.StageNotify && ctx.Err() != nil {
		if needsHandle(stage) && st.Handle == "" {
			outcome.Status = models.StageSkipped
			return outcome, nil
		}
		return outcome, fmt.Errorf("onboarding cancelled: %w", ctx.Err())
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logrus.Fields{
				"stage": stage,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic in onboarding stage")
			outcome = models.StageOutcome{Stage: stage}
			err = fmt.Errorf("stage %s panicked: %v", stage, r)
		}
	}()

	end := telemetry.StartSegment(ctx, "onboarding/"+string(stage))
	defer end()

	return exec.Execute(ctx, st)
}

func needsHandle(stage models.PipelineStage) bool {
	switch stage {
	case models.StageRulesGenerate, models.StageMaintenanceGenerate, models.StageSafetyGenerate:
		return true
	}
	return false
}

func describe(s step, o models.StageOutcome) (string, string) {
	switch o.Status {
	case models.StageSkipped:
		return StepSkipped, s.name + " skipped"
	case models.StageFailed:
		return StepFailed, s.name + " failed"
	default:
		return StepCompleted, s.name + " completed"
	}
}

func subMessage(o models.StageOutcome) string {
	if o.Status != models.StageSucceeded {
		return ""
	}
	switch o.Stage {
	case models.StageRulesGenerate:
		return countMessage(o, "rules")
	case models.StageMaintenanceGenerate:
		return countMessage(o, "maintenance tasks")
	case models.StageSafetyGenerate:
		return countMessage(o, "safety precautions")
	}
	return ""
}

func countMessage(o models.StageOutcome, noun string) string {
	if o.DroppedCount > 0 {
		return fmt.Sprintf("%d %s saved, %d dropped", o.ItemCount, noun, o.DroppedCount)
	}
	return fmt.Sprintf("%d %s saved", o.ItemCount, noun)
}

// emitter keeps the percent of one run non-decreasing
type emitter struct {
	reporter Reporter
	req      *Request
	percent  int
}

func (e *emitter) emit(s step, index, percent int, status, message, sub string, err error, terminal bool) {
	if percent < e.percent {
		percent = e.percent
	}
	e.percent = percent

	p := Progress{
		RequestID:  e.req.RequestID,
		DeviceID:   e.req.DeviceID,
		Stage:      s.stage,
		Percent:    percent,
		Message:    message,
		SubMessage: sub,
		Terminal:   terminal,
		Timestamp:  time.Now().UTC(),
		StepDetails: StepDetails{
			CurrentStep: index + 1,
			TotalSteps:  len(ladder),
			StepName:    s.name,
			Status:      status,
		},
	}
	if err != nil {
		p.Error = err.Error()
		p.Retryable = docintel.IsRetryable(err)
	}
	e.reporter.Emit(p)
}
