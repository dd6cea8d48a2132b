// Package app composes the package administration service.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models
//	│   ├── pkginfo/        # PackageInfo entity, form updates, change log
//	│   └── catalog/        # Generated per-track catalogs
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # PackageInfoStore, PackageLogStore, CatalogStore
//	│   ├── memory/         # In-memory implementation for tests and development
//	│   └── postgres/       # PostgreSQL implementation and migrations
//	├── services/           # Package mutations and catalog generation
//	├── httpapi/            # Admin UI handlers, templates, and routing
//	├── system/             # Lifecycle management of background services
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/msuadmin/
//	      │
//	      ├──► internal/app/httpapi (routing, rendering)
//	      │           │
//	      │           ▼
//	      └──► internal/app (composition)
//	                  │
//	                  ├──► internal/app/services
//	                  │           │
//	                  │           ├──► internal/app/domain
//	                  │           └──► internal/app/storage
//	                  │
//	                  └──► internal/lock, internal/mail
//
// Nil stores passed to New default to the in-memory implementation, so an
// Application can run without a database.
package app
