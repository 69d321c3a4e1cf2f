// Package logutil installs the process-wide logger.
package logutil

import (
	"github.com/pingcap-incubator/tinyovsdb/ovs/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Setup builds the logger described by cfg.Log and makes it the global one.
func Setup(cfg *config.Config) error {
	if err := cfg.SetupLogger(); err != nil {
		return errors.Annotate(err, "initialize logger")
	}
	log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	return nil
}

// LogPanic logs the panic reason and stack, then exits.
func LogPanic() {
	if e := recover(); e != nil {
		log.Fatal("panic", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}
