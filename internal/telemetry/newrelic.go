package telemetry

import (
	"context"
	"time"

	"example.com/backstage/services/onboarding/config"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// InitNewRelic initializes the New Relic application.
// A nil application is returned when monitoring is disabled.
func InitNewRelic(cfg config.NewRelicConfig) (*newrelic.Application, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return nil, err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		return nil, err
	}

	return app, nil
}

// StartBackgroundTransaction starts a non-web transaction and attaches it to ctx.
// The returned end function is safe to call when app is nil.
func StartBackgroundTransaction(ctx context.Context, app *newrelic.Application, name string) (context.Context, func(err error)) {
	if app == nil {
		return ctx, func(error) {}
	}

	txn := app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), func(err error) {
		if err != nil {
			txn.NoticeError(err)
		}
		txn.End()
	}
}

// StartSegment times a named segment of the transaction carried by ctx
func StartSegment(ctx context.Context, name string) func() {
	txn := newrelic.FromContext(ctx)
	if txn == nil {
		return func() {}
	}
	seg := txn.StartSegment(name)
	return seg.End
}
