package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/service"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// workerCmd runs the periodic sweeps without serving HTTP
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background maintenance worker",
	Long: `Start the background worker that marks overdue maintenance tasks
and interrupts onboarding jobs left running by a crashed instance.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nrApp := initNewRelic(cfg.NewRelic)
	if nrApp != nil {
		defer nrApp.Shutdown(10 * time.Second)
	}

	deps, err := buildComponents(cfg, nrApp, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	g, gctx := errgroup.WithContext(ctx)

	scheduler, err := service.NewScheduler(gctx, deps.service, cfg.Maintenance, log)
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	g.Go(func() error {
		log.Info("Starting maintenance scheduler")
		scheduler.Start()

		<-gctx.Done()
		log.Info("Stopping maintenance scheduler...")
		return scheduler.Shutdown()
	})

	return g.Wait()
}
