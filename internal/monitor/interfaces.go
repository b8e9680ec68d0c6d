package monitor

import (
	"context"
	"io"
	"time"
)

// TargetListener receives target lifecycle changes.
type TargetListener interface {
	OnTargetCreated(target Target)
	OnTargetUpdated(target Target)
	OnTargetRemoved(targetID string)
}

// TargetRepository is the read side of the target catalog the scheduler depends on.
type TargetRepository interface {
	ListActiveTargets(ctx context.Context) ([]Target, error)
	GetTarget(ctx context.Context, id string) (Target, error)
	Subscribe(listener TargetListener)
}

// SnapshotRepository persists snapshot history.
type SnapshotRepository interface {
	LatestSnapshot(ctx context.Context, targetID string) (Snapshot, bool, error)
	InsertSnapshot(ctx context.Context, snapshot Snapshot) error
	ListSnapshots(ctx context.Context, targetID string, page PageRequest) ([]Snapshot, int, error)
}

// TargetStore is the persistence contract for targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, target Target) error
	UpdateTarget(ctx context.Context, target Target) error
	DeleteTarget(ctx context.Context, id string) error
	GetTarget(ctx context.Context, id string) (Target, error)
	ListActiveTargets(ctx context.Context) ([]Target, error)
	ListTargets(ctx context.Context, resourceID string, page PageRequest) ([]Target, int, error)
}

// SnapshotStore extends SnapshotRepository with lifecycle operations.
type SnapshotStore interface {
	SnapshotRepository
	DeleteSnapshots(ctx context.Context, targetID string) error
	PruneSnapshots(ctx context.Context, targetID string, keep int) (int, error)
}

// ResourceStore persists resources.
type ResourceStore interface {
	CreateResource(ctx context.Context, resource Resource) error
	GetResource(ctx context.Context, id string) (Resource, error)
	ListResources(ctx context.Context, page PageRequest) ([]Resource, int, error)
	DeleteResource(ctx context.Context, id string) error
}

// Store bundles every persistence contract a backend provides.
type Store interface {
	ResourceStore
	TargetStore
	SnapshotStore
	Close() error
}

// Fetcher retrieves a URL in a single attempt.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (FetchResult, error)
}

// Extractor pulls the monitored value out of a page.
type Extractor interface {
	Extract(content []byte, contentType string, tag string, selectorType SelectorType, selectorValue string) (string, error)
}

// Notifier is informed about snapshots worth reporting.
type Notifier interface {
	Notify(ctx context.Context, target Target, snapshot Snapshot) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
