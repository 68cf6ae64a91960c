package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/toolgate/internal/config"
	"github.com/mattjoyce/toolgate/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runCLI(args []string, in io.Reader, out, errOut io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Capability server and work dispatcher",
		Long:          "toolgate serves named capabilities over a line-delimited JSON protocol and\ndispatches queued work items to a pool of workers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: discovered)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override service.log_level")

	root.AddCommand(serveCmd(opts))
	root.AddCommand(configCmd(opts))
	root.AddCommand(toolsCmd(opts))
	root.AddCommand(ledgerCmd(opts))
	root.AddCommand(versionCmd())
	return root
}

// loadConfig resolves the config file (flag, then discovery, then defaults)
// and configures logging on stderr; stdout belongs to the protocol.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err == nil {
			path = discovered
		} else if os.Getenv("TOOLGATE_CONFIG") != "" {
			return nil, err
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefaults()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Service.LogLevel = opts.logLevel
	}
	log.SetupWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, cmd.ErrOrStderr())
	return cfg, nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func versionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("render version JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "toolgate %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
