// Package main is the entry point for the gatekeep binary.
// It provides a CLI for validating policy files and running one-shot
// evaluations without a server.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatekeep-io/gatekeep/pkg/config"
	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
	"github.com/gatekeep-io/gatekeep/pkg/logging"
	"github.com/gatekeep-io/gatekeep/pkg/module"
	"github.com/gatekeep-io/gatekeep/pkg/policy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for gatekeep
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatekeep",
		Short: "Policy tooling for gatekeepd",
		Long: `Command line tooling for gatekeepd policy files.

validate compiles a policy file against the configured modules and reports
the first error it finds. eval runs a single request through a policy and
prints the result without starting a server.

Example:
  gatekeep eval authorize --config config.yaml --attr User-Name=alice`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "error", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newEvalCmd())

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [policy-file]",
		Short: "Compile a policy file and report errors",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
}

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <policy>",
		Short: "Evaluate one request against a named policy",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	cmd.Flags().StringArrayP("attr", "a", nil, "Request attribute as Name=Value (repeatable)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Give up if the evaluation takes longer than this")
	return cmd
}

// loadStore builds the module registry and policy store from the config file.
func loadStore(cmd *cobra.Command, policyFile string) (*config.Config, *policy.Store, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Pretty: true, // Use pretty logging for CLI
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if policyFile == "" {
		policyFile = cfg.Policy.File
	}
	if policyFile == "" {
		return nil, nil, fmt.Errorf("no policy file given and none configured")
	}

	registry, err := module.Build(cfg.Modules, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := policy.NewStore(policyFile, policy.NewCompiler(registry), logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	var policyFile string
	if len(args) > 0 {
		policyFile = args[0]
	}

	_, store, err := loadStore(cmd, policyFile)
	if err != nil {
		return err
	}
	defer store.Close()

	names := store.Names()
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d policies (%s)\n", len(names), strings.Join(names, ", "))
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	attrs, err := cmd.Flags().GetStringArray("attr")
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	_, store, err := loadStore(cmd, "")
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Lookup(args[0])
	if err != nil {
		return err
	}

	dreq := domain.NewRequest(nil)
	for _, attr := range attrs {
		name, value, ok := strings.Cut(attr, "=")
		if !ok || name == "" {
			return fmt.Errorf("attribute %q must be Name=Value", attr)
		}
		dreq.Request.Add(name, value)
	}

	in := interp.New(interp.Options{})
	req := in.NewRequest(dreq)

	done := make(chan interp.Outcome, 1)
	req.OnDone = func(out interp.Outcome) { done <- out }

	out, finished, err := in.Execute(cmd.Context(), req, entry)
	if err != nil {
		return err
	}
	if !finished {
		// A module yielded. Resumption happens inline on whatever
		// goroutine wakes the request, so just wait for completion.
		select {
		case out = <-done:
		case <-time.After(timeout):
			in.Signal(req, domain.SignalCancel)
			return fmt.Errorf("evaluation did not finish within %s", timeout)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rcode: %s\n", out.Rcode)
	for _, p := range dreq.Reply.Pairs() {
		fmt.Fprintf(cmd.OutOrStdout(), "reply: %s = %s\n", p.Name, p.Value)
	}
	return nil
}
