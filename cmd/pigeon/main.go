// Command pigeon is the requester CLI of spec.md §4.4: it builds a
// session request, waits for a worker, and proxies the local terminal to
// the remote command until it reports an exit code. Flag parsing and the
// command tree are cobra, the pack's own idiom for CLI surfaces
// (grounded on ehrlich-b-wingthing/cmd/wt/main.go); the core logic below
// is out of scope for the cobra layer and lives in internal/requester.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/logging"
	"github.com/pursuingf/pigeon/internal/requester"
	"github.com/pursuingf/pigeon/internal/shellquote"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		route       string
		waitWorker  float64
		verbose     bool
		shellMode   bool
		interactive bool
	)
	exitCode := 0

	root := &cobra.Command{
		Use:           "pigeon [command...]",
		Short:         "run a shell command on a remote worker over a shared cache directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ns := layout.New(cfg.CacheRoot, cfg.Namespace)
			if err := ns.EnsureDirs(); err != nil {
				return fmt.Errorf("ensure namespace dirs: %w", err)
			}
			log, err := logging.New(logging.DefaultLogPath("pigeon"))
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer log.Close()

			mode := shellquote.ModeArgv
			switch {
			case interactive:
				mode = shellquote.ModeInteractive
			case shellMode:
				mode = shellquote.ModeShellSnippet
			}
			if mode != shellquote.ModeInteractive && len(args) == 0 {
				return fmt.Errorf("pigeon: a command is required unless -i is given")
			}

			opts := requester.Options{
				Command: args,
				Mode:    mode,
				Route:   route,
				Verbose: verbose,
			}
			if cmd.Flags().Changed("wait-worker") {
				opts.WaitWorker = &waitWorker
			}

			exitCode = requester.Execute(ns, cfg, opts, os.Stdin, os.Stdout, os.Stderr, log)
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to pigeon.toml")
	root.Flags().StringVar(&route, "route", "", "worker route to target")
	root.Flags().Float64Var(&waitWorker, "wait-worker", 0, "seconds to wait for a worker before giving up")
	root.Flags().BoolVar(&verbose, "verbose", false, "emit state-change diagnostics to stderr")
	root.Flags().BoolVarP(&shellMode, "shell", "s", false, "treat the command as a single shell snippet")
	root.Flags().BoolVarP(&interactive, "interactive", "i", false, "start an interactive shell instead of running a command")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pigeon:", err)
		return requester.ExitUsage
	}
	return exitCode
}
