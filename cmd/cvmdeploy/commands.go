package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// cli carries state shared by the commands of one invocation.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	appOptions []AppOption

	configPath string
	cfg        *Config
	app        *App
}

// setup loads configuration and builds the App. It runs before every command
// except version.
func (c *cli) setup(_ *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return &CommandError{Op: "load config", Err: err, ExitCode: ExitFailure}
	}
	if err := cfg.Validate(); err != nil {
		return &CommandError{Op: "validate config", Err: err, ExitCode: ExitFailure}
	}
	c.cfg = cfg
	c.app = NewApp(cfg, SetupLogger(cfg, c.stderr), c.stdout, c.appOptions...)
	return nil
}

// =============================================================================
// Root
// =============================================================================

func newRootCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "cvmdeploy",
		Short:             "Deploy a workload to a Phala confidential VM",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to config file")

	cmd.AddCommand(newDeployCommand(c))
	cmd.AddCommand(newStatusCommand(c))
	cmd.AddCommand(newAttestCommand(c))
	cmd.AddCommand(newNetworkCommand(c))
	cmd.AddCommand(newDeleteCommand(c))
	cmd.AddCommand(newListCommand(c))
	cmd.AddCommand(newRenderCommand(c))
	cmd.AddCommand(newHistoryCommand(c))
	cmd.AddCommand(newVersionCommand(c))

	return cmd
}

// =============================================================================
// Deploy
// =============================================================================

func newDeployCommand(c *cli) *cobra.Command {
	var (
		name      string
		model     string
		noJournal bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Provision, create and start the CVM",
		Long: `Deploy runs one deployment attempt:

  1. List teepods and existing CVMs; stop if a CVM with the name exists
  2. Provision the generated compose descriptor
  3. Create the CVM
  4. Poll its status until it runs, fails, or polling gives up
  5. Check attestation and network information

Attestation and network problems are reported but do not fail the run.
Delete an existing CVM first if you want to redeploy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name != "" {
				c.cfg.Deployment.Name = name
			}
			if model != "" {
				c.cfg.Deployment.Model = model
			}
			if noJournal {
				c.cfg.Journal.Enabled = false
			}
			return c.app.Deploy(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "CVM name (overrides deployment.name)")
	cmd.Flags().StringVar(&model, "model", "", "Model identifier (overrides deployment.model)")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "Do not record the attempt in the local journal")

	return cmd
}

// =============================================================================
// Instance Commands
// =============================================================================

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <cvm-id>",
		Short: "Show the status of a CVM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Status(cmd.Context(), args[0])
		},
	}
}

func newAttestCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "attest <cvm-id>",
		Short: "Fetch the TEE attestation of a CVM",
		Long: `Attest fetches the attestation document of a CVM once.

Attestation is often not available right after the CVM starts; run this
again a little later if it is missing. TDX quotes are decoded and their
MRTD and RTMR measurements printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Attest(cmd.Context(), args[0])
		},
	}
}

func newNetworkCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "network <cvm-id>",
		Short: "Show network information of a CVM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Network(cmd.Context(), args[0])
		},
	}
}

func newDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cvm-id>",
		Short: "Delete a CVM",
		Long: `Delete removes a CVM from the control plane.

WARNING: This operation is irreversible. Data in the CVM volumes is lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Delete(cmd.Context(), args[0])
		},
	}
}

func newListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List online teepods and existing CVMs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.List(cmd.Context())
		},
	}
}

// =============================================================================
// Local Commands
// =============================================================================

func newRenderCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Print the compose descriptor a deploy would submit",
		Long: `Render assembles the deployment configuration and prints the generated
compose descriptor with secret values masked, its hash, and a summary of
what it declares. No requests are sent to the control plane.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.app.Render()
		},
	}
}

func newHistoryCommand(c *cli) *cobra.Command {
	var (
		limit      int
		descriptor bool
	)

	cmd := &cobra.Command{
		Use:   "history [attempt-id]",
		Short: "Show journaled deployment attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return c.app.History(cmd.Context(), id, limit, descriptor)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of attempts to show")
	cmd.Flags().BoolVar(&descriptor, "descriptor", false, "Open the sealed descriptor of the attempt and check its hash")

	return cmd
}

func newVersionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(c.stdout, "cvmdeploy %s (built %s)\n", Version, BuildTime)
		},
	}
}
