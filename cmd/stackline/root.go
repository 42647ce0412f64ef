package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/discovery"
)

var version = "0.1.0"

// Exit codes
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitAmbiguous = 3
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	region     string
	profile    string
	logLevel   string
	stateDir   string
	provider   string
}

// exitError carries a specific exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "stackline",
		Short: "Deployment lifecycle engine",
		Long: `stackline - Deployment lifecycle engine

Provisions a network, an IAM identity, secret parameters and one compute
instance per deployment, tagged with Project and DeployId, and tears them
down again in reverse dependency order.

Teardown re-reads every resource's tags before deleting it and never
touches a resource owned by another deployment.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetVersionTemplate(`stackline {{.Version}}
`)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to TOML config file")
	flags.StringVar(&opts.region, "region", "", "Cloud region (overrides config)")
	flags.StringVar(&opts.profile, "profile", "", "AWS shared config profile (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.stateDir, "state-dir", "", "Directory for manifests, journals and history")
	flags.StringVar(&opts.provider, "provider", "aws", "Cloud provider")
	_ = flags.MarkHidden("provider")

	cmd.AddCommand(
		newProvisionCmd(opts),
		newTeardownCmd(opts),
		newDiscoverCmd(opts),
		newGraphCmd(),
		newHistoryCmd(opts),
		newRecoverCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "stackline %s\n", version)
			},
		},
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string) int {
	return execute(args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}

	var ambiguity *discovery.AmbiguityError
	if errors.As(err, &ambiguity) {
		fmt.Fprintf(stderr, "Error: project %s has %d deployments; pass one with --deploy-id:\n",
			ambiguity.Project, len(ambiguity.Candidates))
		for _, c := range ambiguity.Candidates {
			fmt.Fprintf(stderr, "  %s\n", c)
		}
		return exitAmbiguous
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}
