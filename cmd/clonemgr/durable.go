package main

import (
	"github.com/cloneforge/clonemgr/internal/config"
	"github.com/cloneforge/clonemgr/internal/durable"
	"github.com/cloneforge/clonemgr/internal/manager"
)

// newDurableHook starts the optional DBOS-backed durability runtime and
// adapts it to manager.DurableHook. Only called when
// cfg.DBOSSystemDatabaseURL is set.
func newDurableHook(cfg *config.Config) (manager.DurableHook, error) {
	rt, err := durable.Start("clonemgr", cfg.DBOSSystemDatabaseURL)
	if err != nil {
		return nil, err
	}
	return rt.Wrap, nil
}
