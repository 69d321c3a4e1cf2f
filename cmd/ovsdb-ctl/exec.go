package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pingcap-incubator/tinyovsdb/ovs/api"
	"github.com/pingcap-incubator/tinyovsdb/ovs/ctl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/spf13/cobra"
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec -- COMMAND [ARG]... [-- COMMAND [ARG]...]...",
		Short: "Run commands in one transaction",
		Long:  "Run commands in one transaction. Commands:\n\n" + ctl.Usage,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEnv(globalContext, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			return runBatch(globalContext, e.backend, ctl.SplitArgs(args), cmd.OutOrStdout())
		},
	}
}

// runBatch commits one batch and prints the non-empty outputs.
func runBatch(ctx context.Context, b *api.Backend, cmds [][]string, w io.Writer) error {
	batch, err := ctl.Parse(b, cmds)
	if err != nil {
		return err
	}
	out, err := batch.Run(ctx, b, txn.Options{CheckError: true, LogErrors: true})
	if err != nil {
		return err
	}
	for _, o := range out {
		if o != "" {
			fmt.Fprintln(w, o)
		}
	}
	return nil
}
