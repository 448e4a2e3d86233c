// Package commands implements the shmctl subcommands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/shmsync/adapter"
	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/pkg/shm"
)

type rootArgs struct {
	logLevel string
	dir      string
	cfg      *shm.Config
}

// options returns the segment options derived from the environment and the
// global flags.
func (a *rootArgs) options(extra ...shm.Option) []shm.Option {
	opts := append([]shm.Option{shm.WithConfig(a.cfg)}, adapter.OTelOptions()...)
	return append(opts, extra...)
}

// NewRootCmd returns the shmctl command tree.
func NewRootCmd(name, shortDesc, longDesc string) *cobra.Command {
	args := &rootArgs{}

	cmd := &cobra.Command{
		Use:           name,
		Short:         shortDesc,
		Long:          longDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if args.logLevel != "" {
				l, ok := logging.ParseLevel(args.logLevel)
				if !ok {
					return fmt.Errorf("invalid log level %q", args.logLevel)
				}
				logging.SetLogLevel(l)
			}
			cfg, err := shm.LoadConfig()
			if err != nil {
				return err
			}
			if args.dir != "" {
				cfg.Dir = args.dir
			}
			if err := shm.VerifyConfig(cfg); err != nil {
				return err
			}
			args.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&args.logLevel, "log_level", "", "Set the log level (debug, info, warn, error, none)")
	cmd.PersistentFlags().StringVar(&args.dir, "dir", "", "Directory backing the shared memory namespace (default $SHMSYNC_DIR or /dev/shm)")

	cmd.AddCommand(
		newCreateCmd(args),
		newInspectCmd(args),
		newUnlinkCmd(args),
		newStressCmd(args),
		newServeCmd(args),
	)
	return cmd
}
