package main

import (
	"context"
	"io/ioutil"

	"github.com/pingcap-incubator/tinyovsdb/ovs/api"
	"github.com/pingcap-incubator/tinyovsdb/ovs/config"
	"github.com/pingcap-incubator/tinyovsdb/ovs/conn"
	"github.com/pingcap-incubator/tinyovsdb/ovs/event"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl/memidl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/logutil"
	"github.com/pingcap-incubator/tinyovsdb/ovs/lookup"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	configFile string
	schemaFile string
	dataFile   string
)

// env is a started backend over a memory cache seeded from the data file.
type env struct {
	cfg     *config.Config
	cache   *memidl.Cache
	events  *event.Handler
	backend *api.Backend
}

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, err
		}
	}
	if schemaFile != "" {
		cfg.SchemaFile = schemaFile
	}
	if dataFile != "" {
		cfg.DataFile = dataFile
	}
	if cfg.SchemaFile == "" {
		return nil, errors.New("no schema file given, use --schema or schema-file")
	}
	return cfg, nil
}

func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	if err := logutil.Setup(cfg); err != nil {
		return nil, err
	}
	s, err := schema.Load(cfg.SchemaFile)
	if err != nil {
		return nil, err
	}
	cache := memidl.New(s)
	if cfg.DataFile != "" {
		data, err := ioutil.ReadFile(cfg.DataFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rows, err := memidl.ParseData(s, data)
		if err != nil {
			return nil, errors.Annotatef(err, "load %s", cfg.DataFile)
		}
		cache.Inject(rows...)
		log.Info("loaded seed data", zap.String("file", cfg.DataFile), zap.Int("rows", len(rows)))
	} else {
		cache.Connect()
	}
	if cfg.LockName != "" {
		cache.RequireLock(cfg.LockName)
		cache.SetLockHeld(true)
	}
	events := event.NewHandler()
	cache.SetNotifier(events)

	var lookups lookup.Table
	if s.Name == "Open_vSwitch" {
		lookups = lookup.OpenVSwitch
	}
	b := api.New(conn.New(cache, cfg), lookups)
	if err := b.Start(ctx, true); err != nil {
		events.Close()
		return nil, err
	}
	return &env{cfg: cfg, cache: cache, events: events, backend: b}, nil
}

func (e *env) close() {
	if !e.backend.Connection().Stop(e.cfg.Timeout.Duration) {
		log.Warn("connection did not stop in time")
	}
	e.events.Close()
	if err := e.cache.Close(); err != nil {
		log.Warn("close cache", zap.Error(err))
	}
}
