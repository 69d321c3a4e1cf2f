package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pingcap-incubator/tinyovsdb/ovs/ctl"
	"github.com/spf13/cobra"
)

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive command shell, one transaction per line",
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
			return shellLoop(e)
		},
	}
}

func shellLoop(e *env) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       filepath.Join(os.TempDir(), "ovsdb-ctl.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		switch line = strings.TrimSpace(line); line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprintln(l.Stdout(), ctl.Usage)
			continue
		}
		cmds, err := ctl.Split(line)
		if err == nil {
			err = runBatch(globalContext, e.backend, cmds, l.Stdout())
		}
		if err != nil {
			fmt.Fprintf(l.Stderr(), "error: %v\n", err)
		}
		if globalContext.Err() != nil {
			return nil
		}
	}
}
