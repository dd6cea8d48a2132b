package app

import (
	"context"
	"fmt"
	"time"

	"github.com/simianmac/msuadmin/internal/app/services/catalogs"
	"github.com/simianmac/msuadmin/internal/app/services/packages"
	"github.com/simianmac/msuadmin/internal/app/storage"
	"github.com/simianmac/msuadmin/internal/app/storage/memory"
	"github.com/simianmac/msuadmin/internal/app/system"
	"github.com/simianmac/msuadmin/internal/config"
	"github.com/simianmac/msuadmin/internal/lock"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/mail"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Packages storage.PackageInfoStore
	Logs     storage.PackageLogStore
	Catalogs storage.CatalogStore
}

// Options carries the optional collaborators of the application.
type Options struct {
	Settings *config.Settings

	Locker  lock.Locker
	LockTTL time.Duration

	Notifier           *mail.Notifier
	EmailOnEveryChange bool

	CatalogDelay    time.Duration
	CatalogSchedule string

	// Health reports backing-store reachability for /healthz.
	Health func(ctx context.Context) error
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger
	health  func(ctx context.Context) error

	Settings *config.Settings
	Packages *packages.Service
	Catalogs *catalogs.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}
	if opts.Settings == nil {
		opts.Settings = config.DefaultSettings()
	}

	mem := memory.New()
	if stores.Packages == nil {
		stores.Packages = mem
	}
	if stores.Logs == nil {
		stores.Logs = mem
	}
	if stores.Catalogs == nil {
		stores.Catalogs = mem
	}

	manager := system.NewManager()

	pkgService := packages.New(stores.Packages, stores.Logs, opts.Settings, log.Named("packages"))
	if opts.Locker != nil {
		pkgService.AttachLocker(opts.Locker, opts.LockTTL)
	}
	if opts.Notifier.Enabled() {
		pkgService.AttachNotifier(opts.Notifier, opts.EmailOnEveryChange)
	}

	catalogService, err := catalogs.New(stores.Packages, stores.Catalogs, opts.Settings.Tracks,
		opts.CatalogDelay, opts.CatalogSchedule, log.Named("catalogs"))
	if err != nil {
		return nil, fmt.Errorf("configure catalog generator: %w", err)
	}
	pkgService.AttachCatalogScheduler(catalogService)

	if err := manager.Register(catalogService); err != nil {
		return nil, fmt.Errorf("register %s service: %w", catalogService.Name(), err)
	}

	return &Application{
		manager:  manager,
		log:      log,
		health:   opts.Health,
		Settings: opts.Settings,
		Packages: pkgService,
		Catalogs: catalogService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Health reports whether the backing stores are reachable.
func (a *Application) Health(ctx context.Context) error {
	if a.health == nil {
		return nil
	}
	return a.health(ctx)
}
