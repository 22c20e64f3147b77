package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cronkeeper/internal/app"
	"cronkeeper/internal/cronexpr"
	"cronkeeper/pkg/logx"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "cronkeeper",
	Short:         "Cron job scheduler with hot-reloaded config and a chat control surface",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and serve until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		return a.Run(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <cron...>",
	Short: "Validate a cron expression and print its next fire times",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		tz, _ := cmd.Flags().GetString("tz")
		if count <= 0 {
			return errors.New("--count must be positive")
		}
		loc := time.Local
		if tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			loc = l
		}
		expr := strings.Join(args, " ")
		s, err := cronexpr.Compile(expr)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		times := s.NextN(time.Now().In(loc), count)
		if len(times) == 0 {
			fmt.Fprintf(out, "%s: valid, never fires again\n", expr)
			return nil
		}
		for _, t := range times {
			fmt.Fprintln(out, t.Format("2006-01-02 15:04:05 MST (Mon)"))
		}
		return nil
	},
}

var executablesCmd = &cobra.Command{
	Use:   "executables",
	Short: "List the executables jobs can reference",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := app.NewRegistry(logx.Nop())
		if err != nil {
			return err
		}
		for _, id := range reg.IDs() {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "cronkeeper", version)
	},
}

func init() {
	runCmd.Flags().StringP("config", "c", "./config.yaml", "path to config (yaml or json)")
	checkCmd.Flags().IntP("count", "n", 5, "number of fire times to print")
	checkCmd.Flags().String("tz", "", "evaluate in this IANA zone (default local)")

	rootCmd.AddCommand(runCmd, checkCmd, executablesCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
