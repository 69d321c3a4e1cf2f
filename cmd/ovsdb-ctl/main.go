package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinyovsdb/ovs/logutil"
	"github.com/spf13/cobra"
)

var (
	globalContext context.Context
	globalCancel  context.CancelFunc
)

func main() {
	defer logutil.LogPanic()
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()

		select {
		case <-sc:
			fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		case <-closeDone:
			return
		}
	}()

	rootCmd := &cobra.Command{
		Use:          "ovsdb-ctl",
		Short:        "Run ovs-vsctl style commands against an in-memory OVSDB replica",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file")
	rootCmd.PersistentFlags().StringVar(&schemaFile, "schema", "", "database schema file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&dataFile, "data", "", "seed rows file (JSON or YAML)")

	rootCmd.AddCommand(
		newExecCommand(),
		newShellCommand(),
		newServeCommand(),
		newBenchCommand(),
	)

	code := 0
	if err := rootCmd.Execute(); err != nil {
		code = 1
	}
	globalCancel()
	closeDone <- struct{}{}
	os.Exit(code)
}
