package clients

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by collaborators. The pipeline classifies
// retryability from these, so implementations must wrap them with %w.
var (
	ErrRateLimited      = errors.New("upstream rate limited")
	ErrNotFound         = errors.New("profile not found")
	ErrTransient        = errors.New("transient upstream failure")
	ErrModelUnavailable = errors.New("inference model unavailable")
)

// RawProfile is one creator profile as returned by the external fetch API.
type RawProfile struct {
	Username  string         `json:"username"`
	FetchedAt time.Time      `json:"fetched_at"`
	Payload   map[string]any `json:"payload"`
}

// Entity is a persisted creator profile, addressed by its natural key so
// re-persisting is an idempotent upsert rather than a duplicate insert.
type Entity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type AssetRefs struct {
	EntityID string   `json:"entity_id"`
	Refs     []string `json:"refs"`
}

type AnalysisResult struct {
	EntityID string         `json:"entity_id"`
	Summary  map[string]any `json:"summary"`
}

// ProfileFetcher is the paid external data-fetch API. Expected latency is
// tens of seconds per batch; always called through its circuit breaker.
type ProfileFetcher interface {
	Fetch(ctx context.Context, usernames []string) ([]RawProfile, error)
}

// EntityStore persists fetched profiles, idempotent by username.
type EntityStore interface {
	Upsert(ctx context.Context, profile RawProfile) (Entity, error)
	// FreshUsernames reports which of the given usernames already have a
	// complete, recent record, so admission can price them as cheap.
	FreshUsernames(ctx context.Context, usernames []string) ([]string, error)
	// Lookup returns the persisted entities for the given usernames.
	// Usernames with no record are simply absent from the result.
	Lookup(ctx context.Context, usernames []string) ([]Entity, error)
}

// MediaDeriver produces derived media assets for an entity.
type MediaDeriver interface {
	DeriveAssets(ctx context.Context, entity Entity) (AssetRefs, error)
}

// Analyzer runs model inference over a persisted entity.
type Analyzer interface {
	Analyze(ctx context.Context, entity Entity) (AnalysisResult, error)
}

// Set bundles the collaborators a pipeline runner needs. Injected at
// construction so tests can substitute fakes; no ambient globals.
type Set struct {
	Fetcher  ProfileFetcher
	Store    EntityStore
	Deriver  MediaDeriver
	Analyzer Analyzer
}
