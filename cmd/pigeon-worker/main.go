// Command pigeon-worker is the worker daemon of spec.md §4.5: it polls the
// pending queue of a shared cache directory, claims sessions matching its
// route, and runs them under a PTY. Flag parsing is cobra, matching the
// pack's own CLI idiom (ehrlich-b-wingthing/cmd/wt/main.go); SIGINT/SIGTERM
// handling that requests a graceful stop is grounded on
// victorarias-attn/cmd/attn/main.go's signal.Notify(sigChan, SIGINT,
// SIGTERM, SIGHUP) pattern.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/logging"
	"github.com/pursuingf/pigeon/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "pigeon-worker",
		Short:         "claim and run pending pigeon sessions under a PTY",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logging.DefaultLogPath("pigeon-worker"))
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer log.Close()

			sched, err := scheduler.New(configPath, log)
			if err != nil {
				return fmt.Errorf("init scheduler: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			go func() {
				sig := <-sigChan
				log.Infof("received %s, stopping", sig)
				sched.Stop()
			}()

			return sched.Run()
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to pigeon.toml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pigeon-worker:", err)
		return 1
	}
	return 0
}
