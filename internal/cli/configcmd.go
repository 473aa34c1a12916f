package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/refsmith/downloader/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after merging defaults and the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}

			settings, err := config.Apply(config.DefaultSettings(), config.CLIOverrides{}, loaded.Config)
			if err != nil {
				return err
			}

			resolvedPath := loaded.Path
			if resolvedPath == "" {
				resolvedPath = "<unresolved>"
			}
			fmt.Printf("config_path = %s\n", resolvedPath)
			if loaded.LoadedFromFile {
				fmt.Println("config_file = loaded")
			} else {
				fmt.Println("config_file = not found (using defaults)")
			}
			fmt.Printf("output_dir = %s\n", settings.OutputDir)
			fmt.Printf("concurrency = %d\n", settings.Concurrency)
			fmt.Printf("rate_limit = %d\n", settings.RateLimitMs)
			fmt.Printf("rate_limit_jitter = %d\n", settings.RateLimitJitterMs)
			fmt.Printf("max_retries = %d\n", settings.MaxRetries)
			fmt.Printf("respectful = %t\n", settings.Respectful)
			fmt.Printf("check_robots = %t\n", settings.CheckRobots)
			fmt.Printf("verbosity = %s\n", settings.Verbosity)
			fmt.Printf("detect_topics = %t\n", settings.DetectTopics)
			fmt.Printf("sidecar = %t\n", settings.Sidecar)
			return nil
		},
	}

	cmd.AddCommand(show)
	return cmd
}
