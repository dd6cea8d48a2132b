package packages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/metrics"
	"github.com/simianmac/msuadmin/internal/app/storage"
	"github.com/simianmac/msuadmin/internal/lock"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/mail"
	"github.com/simianmac/msuadmin/internal/plist"
)

const (
	// saveAttempts bounds the re-read and re-apply cycle on revision conflicts.
	saveAttempts   = 3
	defaultLockTTL = 10 * time.Second
)

// CatalogScheduler queues catalog regeneration for tracks.
type CatalogScheduler interface {
	Schedule(tracks ...string)
}

// LockName is the lock guarding writes to filename.
func LockName(filename string) string {
	return "pkgsinfo_" + filename
}

// Service applies admin changes to package infos.
type Service struct {
	store    storage.PackageInfoStore
	logs     storage.PackageLogStore
	vocab    pkginfo.Vocabulary
	locker   lock.Locker
	lockTTL  time.Duration
	notifier *mail.Notifier
	notify   bool
	catalogs CatalogScheduler
	log      *logging.Logger
}

// New constructs a package service. It uses a process-local locker until
// AttachLocker is called.
func New(store storage.PackageInfoStore, logs storage.PackageLogStore, vocab pkginfo.Vocabulary, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("packages")
	}
	return &Service{
		store:   store,
		logs:    logs,
		vocab:   vocab,
		locker:  lock.NewMemory(),
		lockTTL: defaultLockTTL,
		log:     log,
	}
}

// AttachLocker replaces the package write lock.
func (s *Service) AttachLocker(locker lock.Locker, ttl time.Duration) {
	if locker != nil {
		s.locker = locker
	}
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

// AttachNotifier mails the admin list about every change when everyChange
// is set.
func (s *Service) AttachNotifier(n *mail.Notifier, everyChange bool) {
	s.notifier = n
	s.notify = everyChange && n.Enabled()
}

// AttachCatalogScheduler wires catalog regeneration.
func (s *Service) AttachCatalogScheduler(c CatalogScheduler) {
	s.catalogs = c
}

// Get returns a package by filename.
func (s *Service) Get(ctx context.Context, filename string) (*pkginfo.PackageInfo, error) {
	return s.store.GetPackageInfo(ctx, filename)
}

// List pages through packages ordered by filename.
func (s *Service) List(ctx context.Context, cursor string, limit int) ([]*pkginfo.PackageInfo, string, error) {
	return s.store.ListPackageInfos(ctx, cursor, limit)
}

// ListLogs pages through the admin change log, newest first.
func (s *Service) ListLogs(ctx context.Context, cursor string, limit int) ([]pkginfo.Log, string, error) {
	return s.logs.ListPackageLogs(ctx, cursor, limit)
}

// Delete removes a package and pulls it from its catalogs.
func (s *Service) Delete(ctx context.Context, filename string) error {
	err := s.withLock(ctx, filename, func() error {
		pkg, err := s.store.GetPackageInfo(ctx, filename)
		if err != nil {
			return err
		}
		if s.notify {
			s.sendMail(ctx, s.notifier.PackageDeleted(ctx, user(ctx), pkg))
		}
		if err := s.store.DeletePackageInfo(ctx, filename); err != nil {
			return err
		}
		s.record(ctx, pkginfo.ActionDelete, pkg)
		s.schedule(pkg.Catalogs)
		return nil
	})
	metrics.RecordPackageChange(pkginfo.ActionDelete, err)
	return err
}

// MakeSafeToModify removes a package from every catalog and manifest.
func (s *Service) MakeSafeToModify(ctx context.Context, filename string) (*pkginfo.PackageInfo, error) {
	notified := false
	pkg, err := s.mutate(ctx, filename, pkginfo.ActionUnlock, func(pkg *pkginfo.PackageInfo) (pkginfo.Change, error) {
		if s.notify && !notified {
			notified = true
			s.sendMail(ctx, s.notifier.PackageUnlocked(ctx, user(ctx), pkg))
		}
		return pkg.MakeSafeToModify(), nil
	})
	metrics.RecordPackageChange(pkginfo.ActionUnlock, err)
	return pkg, err
}

// Update applies a form update. Refused changes are *pkginfo.UpdateError; a
// held lock is pkginfo.ErrLocked.
func (s *Service) Update(ctx context.Context, filename string, u pkginfo.Update) (*pkginfo.PackageInfo, error) {
	notified := false
	pkg, err := s.mutate(ctx, filename, pkginfo.ActionUpdate, func(pkg *pkginfo.PackageInfo) (pkginfo.Change, error) {
		// Sent once, before the change, against the state it describes.
		if s.notify && !notified {
			notified = true
			s.sendMail(ctx, s.notifier.PackageChanged(ctx, user(ctx), pkg, u))
		}
		return pkg.ApplyUpdate(s.vocab, u)
	})
	metrics.RecordPackageChange(pkginfo.ActionUpdate, err)
	return pkg, err
}

// UpdateFromPlist creates or replaces a package from uploaded plist XML. The
// filename is the plist's installer_item_location. Invalid documents and
// missing or duplicate packages are *pkginfo.UpdateError.
func (s *Service) UpdateFromPlist(ctx context.Context, xml []byte, createNew bool) (*pkginfo.PackageInfo, error) {
	pkg, err := s.updateFromPlist(ctx, xml, createNew)
	action := pkginfo.ActionUpdatePlist
	if createNew {
		action = pkginfo.ActionCreate
	}
	metrics.RecordPackageChange(action, err)
	return pkg, err
}

func (s *Service) updateFromPlist(ctx context.Context, xml []byte, createNew bool) (*pkginfo.PackageInfo, error) {
	doc, err := plist.Parse(xml)
	if err != nil {
		return nil, &pkginfo.UpdateError{Reason: "invalid plist", Err: err}
	}
	filename := doc.String(plist.KeyInstallerItemLocation)

	var saved *pkginfo.PackageInfo
	if createNew {
		created := pkginfo.FromPlist(doc)
		created.User = user(ctx)
		saved, err = s.store.CreatePackageInfo(ctx, created)
		if errors.Is(err, pkginfo.ErrExists) {
			return nil, &pkginfo.UpdateError{Reason: fmt.Sprintf("PackageInfo already exists: %s", filename), Err: err}
		}
		if err != nil {
			return nil, err
		}
		s.record(ctx, pkginfo.ActionCreate, saved)
		s.schedule(saved.Catalogs)
	} else {
		saved, err = s.mutate(ctx, filename, pkginfo.ActionUpdatePlist, func(pkg *pkginfo.PackageInfo) (pkginfo.Change, error) {
			return pkg.ReplacePlist(doc.Clone())
		})
		if errors.Is(err, pkginfo.ErrNotFound) {
			return nil, &pkginfo.UpdateError{Reason: fmt.Sprintf("PackageInfo not found: %s", filename), Err: err}
		}
		if err != nil {
			return nil, err
		}
	}

	if s.notify {
		s.sendMail(ctx, s.notifier.PackagePlistChanged(ctx, user(ctx), doc))
	}
	return saved, nil
}

type mutation func(pkg *pkginfo.PackageInfo) (pkginfo.Change, error)

// mutate runs fn on a fresh copy of the package under the package lock and
// saves the result, retrying on revision conflicts.
func (s *Service) mutate(ctx context.Context, filename, action string, fn mutation) (*pkginfo.PackageInfo, error) {
	var saved *pkginfo.PackageInfo
	err := s.withLock(ctx, filename, func() error {
		for attempt := 1; ; attempt++ {
			pkg, err := s.store.GetPackageInfo(ctx, filename)
			if err != nil {
				return err
			}
			change, err := fn(pkg)
			if err != nil {
				return err
			}
			pkg.User = user(ctx)
			saved, err = s.store.SavePackageInfo(ctx, pkg)
			if errors.Is(err, pkginfo.ErrConflict) && attempt < saveAttempts {
				metrics.RecordPackageConflict("revision")
				s.log.WithContext(ctx).
					WithField("filename", filename).
					WithField("attempt", attempt).
					Warn("package revision conflict; retrying")
				continue
			}
			if err != nil {
				return err
			}
			s.record(ctx, action, saved)
			s.schedule(change.Tracks)
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Service) withLock(ctx context.Context, filename string, fn func() error) error {
	lease, err := s.locker.TryLock(ctx, LockName(filename), s.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		metrics.RecordPackageConflict("locked")
		return pkginfo.ErrLocked
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("filename", filename).Warn("release package lock")
		}
	}()
	return fn()
}

func (s *Service) record(ctx context.Context, action string, pkg *pkginfo.PackageInfo) {
	entry := pkginfo.Log{
		Filename:     pkg.Filename,
		User:         user(ctx),
		Action:       action,
		Catalogs:     pkg.Catalogs,
		Manifests:    pkg.Manifests,
		InstallTypes: pkg.InstallTypes,
	}
	if pkg.Plist != nil {
		if raw, err := pkg.Plist.XML(); err == nil {
			entry.Plist = string(raw)
		}
	}
	if s.logs != nil {
		if _, err := s.logs.CreatePackageLog(ctx, entry); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("filename", pkg.Filename).Error("write package log")
		}
	}
	s.log.WithContext(ctx).
		WithField("filename", pkg.Filename).
		WithField("action", action).
		WithField("revision", pkg.Revision).
		Info("package changed")
}

func (s *Service) schedule(tracks []string) {
	if s.catalogs != nil && len(tracks) > 0 {
		s.catalogs.Schedule(tracks...)
	}
}

func (s *Service) sendMail(ctx context.Context, err error) {
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("admin notification not delivered")
	}
}

func user(ctx context.Context) string {
	return logging.GetUserID(ctx)
}
