package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags
var Version = "dev"

// BuildInfo contains information about the build
var BuildInfo struct {
	GitCommit string
	BuildTime string
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version, build information, and runtime environment of the onboarding service.`,
	Run: func(cmd *cobra.Command, args []string) {
		displayVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// displayVersion shows detailed version information
func displayVersion() {
	fmt.Println("Onboarding Service")
	fmt.Println("==================")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Git Commit: %s\n", BuildInfo.GitCommit)
	fmt.Printf("Built:      %s\n", BuildInfo.BuildTime)
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
