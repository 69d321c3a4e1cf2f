package main

import (
	"context"

	"github.com/pingcap-incubator/tinyovsdb/ovs/event"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/server"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusAddr string

func newServeCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and log row changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.StatusAddr = statusAddr
			}
			e, err := newEnv(globalContext, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			e.events.Watch(changeLoggers(e.backend.Connection().Schema().TableNames())...)

			srv, err := server.Start(cfg.StatusAddr, e.backend)
			if err != nil {
				return err
			}
			<-globalContext.Done()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Duration)
			defer cancel()
			return srv.Close(ctx)
		},
	}
	m.Flags().StringVar(&statusAddr, "status-addr", "", "address of the status API, overrides status-addr")
	return m
}

// changeLoggers returns one lowest priority event per table logging every
// row change.
func changeLoggers(tables []string) []event.Event {
	all := []idl.Event{idl.EventCreate, idl.EventUpdate, idl.EventDelete}
	events := make([]event.Event, 0, len(tables))
	for _, table := range tables {
		events = append(events, &event.RowEvent{
			Name:   "ChangeLogger",
			Table:  table,
			Events: all,
			Prio:   1,
			RunFn: func(ev idl.Event, row, old *idl.RowView) {
				log.Info("row changed", zap.String("event", string(ev)), zap.Stringer("row", row))
			},
		})
	}
	return events
}
