// Package favorites layers a short-lived in-memory cache over the durable
// store's saved-story collection and keeps the snapshots reconciled with the
// remote API.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ourpaths/pathsync/internal/events"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/stories"
	"go.uber.org/zap"
)

// DefaultCacheTTL is the validity window of the in-memory favorites cache.
const DefaultCacheTTL = 5 * time.Minute

var (
	errMissingStore  = errors.New("favorites: durable store is required")
	errMissingRemote = errors.New("favorites: remote story client is required")
	// ErrNotFavorite indicates the story is not in the saved collection.
	ErrNotFavorite = errors.New("favorites: story not saved")
)

// StoryFetcher is the slice of the remote API the manager needs.
type StoryFetcher interface {
	Get(ctx context.Context, storyID string, token string) (*stories.Story, error)
}

// TokenSource yields the bearer credential for remote reads, empty for
// anonymous.
type TokenSource interface {
	Token() (string, error)
}

// SortKey selects the ordering of a sorted listing.
type SortKey string

const (
	SortNewest SortKey = "newest"
	SortOldest SortKey = "oldest"
	SortByName SortKey = "name"
)

// FilterCriteria narrows a favorites listing. Nil fields are ignored.
type FilterCriteria struct {
	HasLocation *bool
	SavedFrom   *time.Time
	SavedTo     *time.Time
	Query       string
}

// RefreshResult summarizes a full reconciliation pass.
type RefreshResult struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// ManagerConfig captures the dependencies of the favorites manager.
type ManagerConfig struct {
	Store    *storage.Store
	Remote   StoryFetcher
	Tokens   TokenSource
	Bus      *events.Bus
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager provides the read-mostly saved-stories surface.
type Manager struct {
	store    *storage.Store
	remote   StoryFetcher
	tokens   TokenSource
	bus      *events.Bus
	cacheTTL time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	cacheMu sync.Mutex
	cache   []storage.Favorite
	cacheAt time.Time
}

// NewManager constructs a favorites manager with sane defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Manager{
		store:    cfg.Store,
		remote:   cfg.Remote,
		tokens:   cfg.Tokens,
		bus:      bus,
		cacheTTL: ttl,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Add saves a full story snapshot. The write invalidates the in-memory cache
// and notifies subscribers.
func (m *Manager) Add(ctx context.Context, story stories.Story) error {
	if strings.TrimSpace(story.ID) == "" {
		return fmt.Errorf("favorites: story id is required")
	}
	favorite := m.toFavorite(story)
	if err := m.store.PutFavorite(ctx, &favorite); err != nil {
		return err
	}
	m.invalidate()
	m.bus.Publish(events.Event{Type: events.TypeFavoriteAdded, StoryID: story.ID})
	m.logger.Info("favorite added", zap.String("story_id", story.ID))
	return nil
}

// AddByID fetches the full record from the remote API before saving.
func (m *Manager) AddByID(ctx context.Context, storyID string) error {
	story, err := m.remote.Get(ctx, storyID, m.token())
	if err != nil {
		return fmt.Errorf("favorites: fetch story: %w", err)
	}
	return m.Add(ctx, *story)
}

// Remove deletes a saved story, invalidates the cache and notifies
// subscribers.
func (m *Manager) Remove(ctx context.Context, storyID string) error {
	count, err := m.store.CountFavorite(ctx, storyID)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFavorite
	}
	if err := m.store.DeleteFavorite(ctx, storyID); err != nil {
		return err
	}
	m.invalidate()
	m.bus.Publish(events.Event{Type: events.TypeFavoriteRemoved, StoryID: storyID})
	m.logger.Info("favorite removed", zap.String("story_id", storyID))
	return nil
}

// IsFavorite reports saved-collection membership without materializing the
// record.
func (m *Manager) IsFavorite(ctx context.Context, storyID string) (bool, error) {
	count, err := m.store.CountFavorite(ctx, storyID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// List returns the saved stories, serving the in-memory cache while it is
// inside the validity window. forceRefresh always reloads from the store.
func (m *Manager) List(ctx context.Context, forceRefresh bool) ([]storage.Favorite, error) {
	m.cacheMu.Lock()
	if !forceRefresh && m.cacheValidLocked() {
		cached := m.cache
		m.cacheMu.Unlock()
		return cached, nil
	}
	m.cacheMu.Unlock()

	favorites, err := m.store.ListFavorites(ctx)
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	m.cache = favorites
	m.cacheAt = m.clock()
	m.cacheMu.Unlock()
	return favorites, nil
}

// Count reports the number of saved stories.
func (m *Manager) Count(ctx context.Context) (int, error) {
	favorites, err := m.List(ctx, false)
	if err != nil {
		return 0, err
	}
	return len(favorites), nil
}

// Search matches name and description against the query, case-insensitively.
func (m *Manager) Search(ctx context.Context, query string) ([]storage.Favorite, error) {
	favorites, err := m.List(ctx, false)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return favorites, nil
	}
	lowered := strings.ToLower(trimmed)
	matched := make([]storage.Favorite, 0, len(favorites))
	for _, favorite := range favorites {
		if strings.Contains(strings.ToLower(favorite.Name), lowered) ||
			strings.Contains(strings.ToLower(favorite.Description), lowered) {
			matched = append(matched, favorite)
		}
	}
	return matched, nil
}

// Filter applies the criteria over the current listing.
func (m *Manager) Filter(ctx context.Context, criteria FilterCriteria) ([]storage.Favorite, error) {
	favorites, err := m.List(ctx, false)
	if err != nil {
		return nil, err
	}

	filtered := make([]storage.Favorite, 0, len(favorites))
	query := strings.ToLower(strings.TrimSpace(criteria.Query))
	for _, favorite := range favorites {
		if criteria.HasLocation != nil {
			hasLocation := favorite.Lat != nil && favorite.Lon != nil
			if hasLocation != *criteria.HasLocation {
				continue
			}
		}
		savedAt := time.Unix(favorite.SavedAtSeconds, 0).UTC()
		if criteria.SavedFrom != nil && savedAt.Before(*criteria.SavedFrom) {
			continue
		}
		if criteria.SavedTo != nil && savedAt.After(*criteria.SavedTo) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(favorite.Name), query) &&
			!strings.Contains(strings.ToLower(favorite.Description), query) {
			continue
		}
		filtered = append(filtered, favorite)
	}
	return filtered, nil
}

// Sort orders the current listing by the given key.
func (m *Manager) Sort(ctx context.Context, key SortKey) ([]storage.Favorite, error) {
	favorites, err := m.List(ctx, false)
	if err != nil {
		return nil, err
	}
	sorted := make([]storage.Favorite, len(favorites))
	copy(sorted, favorites)

	switch key {
	case SortOldest:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].SavedAtSeconds < sorted[j].SavedAtSeconds
		})
	case SortByName:
		sort.SliceStable(sorted, func(i, j int) bool {
			return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
		})
	default:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].SavedAtSeconds > sorted[j].SavedAtSeconds
		})
	}
	return sorted, nil
}

// RefreshAll re-fetches every saved story's canonical data. A story the
// remote reports gone is removed locally rather than kept stale.
func (m *Manager) RefreshAll(ctx context.Context) (RefreshResult, error) {
	favorites, err := m.List(ctx, true)
	if err != nil {
		return RefreshResult{}, err
	}

	result := RefreshResult{Total: len(favorites)}
	token := m.token()
	for _, favorite := range favorites {
		story, err := m.remote.Get(ctx, favorite.StoryID, token)
		if err != nil {
			if stories.IsNotFound(err) {
				if removeErr := m.Remove(ctx, favorite.StoryID); removeErr != nil {
					m.logger.Warn("failed to drop deleted favorite",
						zap.String("story_id", favorite.StoryID), zap.Error(removeErr))
					result.Failed++
					continue
				}
				result.Removed++
				continue
			}
			m.logger.Warn("favorite refresh failed",
				zap.String("story_id", favorite.StoryID), zap.Error(err))
			result.Failed++
			continue
		}

		refreshed := m.toFavorite(*story)
		refreshed.SavedAtSeconds = favorite.SavedAtSeconds
		if err := m.store.PutFavorite(ctx, &refreshed); err != nil {
			result.Failed++
			continue
		}
		result.Synced++
	}

	m.invalidate()
	m.logger.Info("favorites refresh complete",
		zap.Int("total", result.Total),
		zap.Int("synced", result.Synced),
		zap.Int("removed", result.Removed),
		zap.Int("failed", result.Failed))
	return result, nil
}

// CacheSnapshots opportunistically refreshes stored snapshots for stories
// that are already favorites. Non-favorites are skipped so a passing listing
// never marks anything as favorited. Caching is best-effort; failures are
// logged and swallowed.
func (m *Manager) CacheSnapshots(ctx context.Context, list []stories.Story) {
	updated := false
	for _, story := range list {
		existing, err := m.store.GetFavorite(ctx, story.ID)
		if err != nil || existing == nil {
			continue
		}
		favorite := m.toFavorite(story)
		favorite.SavedAtSeconds = existing.SavedAtSeconds
		if err := m.store.PutFavorite(ctx, &favorite); err != nil {
			m.logger.Warn("failed to cache story snapshot",
				zap.String("story_id", story.ID), zap.Error(err))
			return
		}
		updated = true
	}
	if updated {
		m.invalidate()
	}
}

func (m *Manager) token() string {
	if m.tokens == nil {
		return ""
	}
	token, err := m.tokens.Token()
	if err != nil {
		m.logger.Warn("credential lookup failed, fetching anonymously", zap.Error(err))
		return ""
	}
	return token
}

func (m *Manager) toFavorite(story stories.Story) storage.Favorite {
	return storage.Favorite{
		StoryID:        story.ID,
		Name:           story.Name,
		Description:    story.Description,
		PhotoURL:       story.PhotoURL,
		Lat:            story.Lat,
		Lon:            story.Lon,
		CreatedAt:      story.CreatedAt,
		SavedAtSeconds: m.clock().UTC().Unix(),
	}
}

func (m *Manager) cacheValidLocked() bool {
	if m.cache == nil || m.cacheAt.IsZero() {
		return false
	}
	return m.clock().Sub(m.cacheAt) < m.cacheTTL
}

func (m *Manager) invalidate() {
	m.cacheMu.Lock()
	m.cache = nil
	m.cacheAt = time.Time{}
	m.cacheMu.Unlock()
}
