package catalogs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/simianmac/msuadmin/internal/app/domain/catalog"
	"github.com/simianmac/msuadmin/internal/app/metrics"
	"github.com/simianmac/msuadmin/internal/app/storage"
	"github.com/simianmac/msuadmin/internal/app/system"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/plist"
)

var _ system.Service = (*Service)(nil)

// Service builds per-track catalogs from package infos. Regeneration requests
// arriving within the debounce delay are coalesced, and a cron job rebuilds
// every track periodically.
type Service struct {
	packages storage.PackageInfoStore
	store    storage.CatalogStore
	tracks   []string
	delay    time.Duration
	schedule string
	log      *logging.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	cron    *cron.Cron
	running bool
}

// New creates a catalog service for tracks. schedule is a cron expression (or
// descriptor such as "@every 15m"); empty disables the periodic rebuild.
func New(packages storage.PackageInfoStore, store storage.CatalogStore, tracks []string, delay time.Duration, schedule string, log *logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.NewDefault("catalogs")
	}
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid catalog schedule %q: %w", schedule, err)
		}
	}
	return &Service{
		packages: packages,
		store:    store,
		tracks:   append([]string(nil), tracks...),
		delay:    delay,
		schedule: schedule,
		log:      log,
		pending:  make(map[string]struct{}),
	}, nil
}

func (s *Service) Name() string { return "catalog-generator" }

// Start begins the periodic rebuild.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	if s.schedule == "" {
		return nil
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(s.schedule, func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		s.GenerateAll(runCtx)
	}); err != nil {
		return fmt.Errorf("schedule catalog rebuild: %w", err)
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("catalog generator started")
	return nil
}

// Stop halts the cron job and flushes pending requests.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.flush(ctx)
	s.log.Info("catalog generator stopped")
	return nil
}

// Schedule queues regeneration of tracks after the debounce delay.
func (s *Service) Schedule(tracks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracks {
		s.pending[t] = struct{}{}
	}
	if len(s.pending) == 0 || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.flush(ctx)
	})
}

func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	tracks := make([]string, 0, len(s.pending))
	for t := range s.pending {
		tracks = append(tracks, t)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	sort.Strings(tracks)
	for _, t := range tracks {
		if _, err := s.Generate(ctx, t); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("track", t).Error("catalog generation failed")
		}
	}
}

// GenerateAll rebuilds every configured track.
func (s *Service) GenerateAll(ctx context.Context) {
	for _, t := range s.tracks {
		if _, err := s.Generate(ctx, t); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("track", t).Error("catalog generation failed")
		}
	}
}

// Generate rebuilds the catalog of track from the packages assigned to it.
func (s *Service) Generate(ctx context.Context, track string) (catalog.Catalog, error) {
	start := time.Now()
	c, err := s.generate(ctx, track)
	metrics.RecordCatalogGeneration(track, time.Since(start), err == nil)
	if err != nil {
		return catalog.Catalog{}, err
	}
	s.log.WithContext(ctx).
		WithField("track", track).
		WithField("packages", len(c.PackageRefs)).
		Info("catalog generated")
	return c, nil
}

func (s *Service) generate(ctx context.Context, track string) (catalog.Catalog, error) {
	pkgs, err := s.packages.ListPackageInfosInCatalog(ctx, track)
	if err != nil {
		return catalog.Catalog{}, fmt.Errorf("list packages in %s: %w", track, err)
	}
	items := make([]map[string]interface{}, 0, len(pkgs))
	refs := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Plist == nil {
			continue
		}
		items = append(items, p.Plist.Dict())
		refs = append(refs, p.Filename)
	}
	doc, err := plist.MarshalArray(items)
	if err != nil {
		return catalog.Catalog{}, fmt.Errorf("encode catalog %s: %w", track, err)
	}
	return s.store.SaveCatalog(ctx, catalog.Catalog{Name: track, Plist: doc, PackageRefs: refs})
}

// Get returns the stored catalog of track.
func (s *Service) Get(ctx context.Context, track string) (catalog.Catalog, error) {
	return s.store.GetCatalog(ctx, track)
}
