package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srediag/shmsync/pkg/shm"
)

func newCreateCmd(root *rootArgs) *cobra.Command {
	var (
		size  int
		mode  uint32
		ready bool
		hold  bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a segment",
		Long: `Create a segment and write its header.

Without --hold the mapping is closed right away and the name stays in the
namespace until it is unlinked. With --hold the command stays attached until
interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.options()
			if cmd.Flags().Changed("mode") {
				opts = append(opts, shm.WithMode(os.FileMode(mode)))
			}
			seg, err := shm.Create(cmd.Context(), args[0], size, opts...)
			if err != nil {
				return err
			}
			defer seg.Close()
			if ready {
				if err := seg.MarkReady(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d bytes, %d payload)\n", seg.Name(), seg.Len(), len(seg.Payload()))
			if !hold {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 4096, "Segment size in bytes, header included; rounded up to the page size")
	cmd.Flags().Uint32Var(&mode, "mode", 0o600, "Permission bits of the new object")
	cmd.Flags().BoolVar(&ready, "ready", true, "Mark the segment ready after creating it")
	cmd.Flags().BoolVar(&hold, "hold", false, "Stay attached until interrupted")
	return cmd
}

func newInspectCmd(root *rootArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect NAME",
		Short: "Print a segment header without attaching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := shm.DebugSegmentDetail(args[0], root.options()...)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newUnlinkCmd(root *rootArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink NAME...",
		Short: "Remove segment names regardless of attached processes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := shm.Unlink(name, root.options()...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlinked %s\n", name)
			}
			return nil
		},
	}
}
