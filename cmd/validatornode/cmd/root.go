// Package cmd is the validator node's command-line surface: a cobra root
// command wrapping "run" and "gen-key" subcommands. Genesis material here
// is a flat JSON validator set file rather than a signed configuration
// record, so there is no shard-conf/trust-base tooling subtree to carry.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/quorumchain/validator/config"
)

// BaseCmd wraps the root *cobra.Command so main need not depend on cobra
// directly, exposing a single New().Execute(ctx) entrypoint.
type BaseCmd struct {
	cobraCmd *cobra.Command
}

func New() *BaseCmd {
	root := &cobra.Command{
		Use:           "validatornode",
		Short:         "Runs a quorumchain validator node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd())
	root.AddCommand(genKeyCmd())
	return &BaseCmd{cobraCmd: root}
}

func (b *BaseCmd) Execute(ctx context.Context) error {
	return b.cobraCmd.ExecuteContext(ctx)
}

// runFlags bundles config.NodeFlags with the one flag the run command
// owns directly rather than delegating to a config sub-flag-struct: the
// genesis validator set is a run-time concern (only needed for a node's
// very first epoch), not a steady-state tunable.
type runFlags struct {
	config.NodeFlags
	ValidatorSetFile string
}

// addRunFlags registers every flag the run command understands onto
// cmd, returning the flags struct run reads once the command fires.
func addRunFlags(cmd *cobra.Command) *runFlags {
	f := &runFlags{}
	f.AddFlags(cmd)
	cmd.Flags().StringVar(&f.ValidatorSetFile, "validator-set", "",
		"path to the genesis validator set file, required for a node's first epoch")
	return f
}
