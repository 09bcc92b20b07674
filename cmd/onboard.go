package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/onboarding"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	// Onboard command flags
	onboardName       string
	onboardType       string
	onboardProtocol   string
	onboardLocation   string
	onboardOrg        string
	onboardUser       string
	onboardAssignee   string
	onboardFile       string
	onboardConnection string
)

// onboardCmd runs one pipeline in the foreground
var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Onboard a single device from the command line",
	Long: `Registers a device and, when a document is given, derives its rules,
maintenance schedule and safety precautions. Progress is printed as the
pipeline advances.`,
	RunE: runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)

	onboardCmd.Flags().StringVar(&onboardName, "name", "", "Device name")
	onboardCmd.Flags().StringVar(&onboardType, "type", "", "Device type")
	onboardCmd.Flags().StringVar(&onboardProtocol, "protocol", "MQTT", "Connection protocol")
	onboardCmd.Flags().StringVar(&onboardLocation, "location", "", "Device location")
	onboardCmd.Flags().StringVar(&onboardOrg, "org", "", "Organization ID")
	onboardCmd.Flags().StringVar(&onboardUser, "user", "", "ID of the requesting user")
	onboardCmd.Flags().StringVar(&onboardAssignee, "assignee", "", "User notified when onboarding finishes")
	onboardCmd.Flags().StringVar(&onboardFile, "file", "", "Path to the device document")
	onboardCmd.Flags().StringVar(&onboardConnection, "connection", "", "Connection parameters as a JSON object")

	_ = onboardCmd.MarkFlagRequired("name")
	_ = onboardCmd.MarkFlagRequired("type")
	_ = onboardCmd.MarkFlagRequired("org")
	_ = onboardCmd.MarkFlagRequired("user")
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	req := &onboarding.Request{
		Name:           onboardName,
		Type:           onboardType,
		Protocol:       onboardProtocol,
		Location:       onboardLocation,
		OrganizationID: onboardOrg,
		UserID:         onboardUser,
		AssigneeID:     onboardAssignee,
	}

	if onboardConnection != "" {
		if err := json.Unmarshal([]byte(onboardConnection), &req.ConnectionParams); err != nil {
			return errors.Wrap(err, "connection must be a JSON object")
		}
	}

	if onboardFile != "" {
		content, err := os.ReadFile(onboardFile)
		if err != nil {
			return errors.Wrap(err, "failed to read document")
		}
		if !cfg.DocIntel.IsFileSizeAllowed(int64(len(content))) {
			return errors.Errorf("document exceeds the %d byte limit", cfg.DocIntel.MaxFileSize)
		}
		req.Document = &docintel.Document{
			Filename: filepath.Base(onboardFile),
			Content:  content,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildComponents(cfg, nil, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	out := cmd.OutOrStdout()
	reporter := onboarding.ReporterFunc(func(p onboarding.Progress) {
		line := fmt.Sprintf("[%3d%%] %s", p.Percent, p.Message)
		if p.SubMessage != "" {
			line += " (" + p.SubMessage + ")"
		}
		if p.Error != "" {
			line += " error: " + p.Error
		}
		fmt.Fprintln(out, line)
	})

	result, runErr := deps.service.RunOnboarding(ctx, req, reporter)
	if result != nil {
		printResult(cmd, result)
	}
	if runErr != nil {
		return errors.Wrap(runErr, "onboarding failed")
	}
	return nil
}

func printResult(cmd *cobra.Command, result *onboarding.Result) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "\nDevice:      %s\n", result.DeviceID)
	fmt.Fprintf(out, "Request:     %s\n", result.RequestID)
	fmt.Fprintf(out, "Duration:    %s\n", result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "Rules:       %d\n", result.Counts.Rules)
	fmt.Fprintf(out, "Maintenance: %d\n", result.Counts.Maintenance)
	fmt.Fprintf(out, "Safety:      %d\n", result.Counts.Safety)

	fmt.Fprintln(out, "\nStages:")
	for _, o := range result.Outcomes {
		line := fmt.Sprintf("  %-18s %-9s %d", o.Stage, o.Status, o.ItemCount)
		if o.DroppedCount > 0 {
			line += fmt.Sprintf(" (%d dropped)", o.DroppedCount)
		}
		if o.Error != "" {
			line += "  " + o.Error
		}
		fmt.Fprintln(out, line)
	}

	if result.Degraded() {
		fmt.Fprintln(out, "\nOnboarding finished with failed stages")
	}
}
