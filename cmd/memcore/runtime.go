package main

import (
	"fmt"
	"log"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
	"memcore/internal/config"
	"memcore/internal/datadir"
	"memcore/internal/indexcache"
	"memcore/internal/maintenance"
	"memcore/internal/registry"
)

// app holds everything a command may need. Fields are nil when the
// command did not ask for them.
type app struct {
	cfg      *config.Config
	layout   *datadir.Layout
	logger   *log.Logger
	store    blobstore.Store
	registry *registry.Registry
	maint    *maintenance.Scheduler
	engine   *indexcache.Engine
}

type openFlags struct {
	store    bool
	registry bool
	engine   bool
}

// loadConfig resolves the data directory and reads the config file.
func loadConfig() (*config.Config, *datadir.Layout, error) {
	path, err := configPath()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Debug.VerboseLogging && !verbose {
		verbose = true
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	layout, err := datadir.New(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	return cfg, layout, nil
}

// openApp wires the requested components. Engine implies store,
// registry and maintenance.
func openApp(f openFlags) (*app, error) {
	cfg, layout, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, layout: layout, logger: log.Default()}

	if f.engine {
		f.store, f.registry = true, true
	}

	if f.store {
		opts := cfg.BlobOptions(layout)
		opts.Logger = a.logger
		if a.store, err = blobstore.Open(opts); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
	}

	if f.registry {
		if a.registry, err = registry.Open(cfg.RegistryPath(layout), a.logger); err != nil {
			a.close()
			return nil, err
		}
	}

	if f.engine {
		a.maint = maintenance.NewScheduler(a.logger)
		prune := &registry.PruneTask{
			Registry: a.registry,
			Keep:     cfg.Maintenance.RegistryKeep,
			Cron:     cfg.Maintenance.RegistrySchedule,
		}
		if err := a.maint.RegisterTask(prune); err != nil {
			a.close()
			return nil, err
		}

		annCfg, err := cfg.IndexConfig()
		if err != nil {
			a.close()
			return nil, err
		}
		factory, err := ann.NewFactory(annCfg)
		if err != nil {
			a.close()
			return nil, err
		}

		a.engine, err = indexcache.New(cfg.CacheConfig(), a.store,
			indexcache.WithHook(a.registry.OnIndexUpdated),
			indexcache.WithFactory(factory),
			indexcache.WithLogger(a.logger),
			indexcache.WithMaintenance(a.maint),
		)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create engine: %w", err)
		}
	}
	return a, nil
}

// close releases whatever was opened. The engine must already be stopped.
func (a *app) close() {
	if a.maint != nil && a.maint.IsRunning() {
		if err := a.maint.Stop(); err != nil {
			a.logger.Printf("WARNING: maintenance scheduler stop: %v", err)
		}
	}
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.logger.Printf("WARNING: registry close: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Printf("WARNING: blob store close: %v", err)
		}
	}
}
