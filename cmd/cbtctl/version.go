package main

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/cbt/tracking"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// buildInfo is what version reports. Protocol lets a client check it talks
// to a daemon speaking the same control service.
type buildInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Built         string `json:"built"`
	Go            string `json:"go"`
	Protocol      string `json:"protocol"`
	DefaultDegree uint   `json:"default_degree"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:       version,
		Commit:        commit,
		Built:         date,
		Go:            runtime.Version(),
		Protocol:      control.ServiceName,
		DefaultDegree: tracking.DefaultDegree,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and control protocol information",
	Args:  cobra.NoArgs,
	// version needs no config and no daemon.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVersion()
	},
}

func runVersion() error {
	info := currentBuild()
	if jsonOut {
		return printJSON(info)
	}
	printInfo("cbtctl %s (%s, built %s, %s)\n", info.Version, info.Commit, info.Built, info.Go)
	printInfo("  protocol: %s\n", info.Protocol)
	printInfo("  default block: 2^%d bytes\n", info.DefaultDegree)
	return nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
