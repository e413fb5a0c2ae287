package buffer

import (
	"sort"
	"sync"
	"time"

	"study-match/internal/matching/scorecache"
	"study-match/internal/models"
)

// userBuffer holds one requester's candidates. Entries before cursor have
// been delivered. Every field except refs is guarded by mu.
type userBuffer struct {
	mu          sync.Mutex
	refs        int // guarded by Manager.mu
	candidates  []models.ScoredCandidate
	cursor      int
	isLoading   bool
	hasMore     bool
	lastFetch   time.Time
	initialized bool
	generation  uint64
	excluded    map[string]struct{}
	processed   map[string]struct{}
}

func newUserBuffer() *userBuffer {
	return &userBuffer{
		excluded:  make(map[string]struct{}),
		processed: make(map[string]struct{}),
	}
}

// reset starts a new lifetime; queued refills for the old one are ignored.
func (b *userBuffer) reset(excludedIDs []string) {
	b.generation++
	b.candidates = nil
	b.cursor = 0
	b.isLoading = false
	b.hasMore = true
	b.lastFetch = time.Time{}
	b.initialized = true
	b.excluded = toSet(excludedIDs)
	b.processed = make(map[string]struct{})
}

func (b *userBuffer) remaining() int {
	return len(b.candidates) - b.cursor
}

// appendUnique adds candidates not already buffered, excluded or processed.
func (b *userBuffer) appendUnique(page []models.ScoredCandidate) int {
	present := make(map[string]struct{}, len(b.candidates))
	for _, c := range b.candidates {
		present[c.ID()] = struct{}{}
	}

	added := 0
	for _, c := range page {
		id := c.ID()
		if _, ok := present[id]; ok {
			continue
		}
		if _, ok := b.excluded[id]; ok {
			continue
		}
		if _, ok := b.processed[id]; ok {
			continue
		}
		present[id] = struct{}{}
		b.candidates = append(b.candidates, c)
		added++
	}
	return added
}

// remove drops targetID wherever it sits. Removing an already delivered
// entry shifts the cursor back so it still points at the first undelivered one.
func (b *userBuffer) remove(targetID string) bool {
	for i, c := range b.candidates {
		if c.ID() != targetID {
			continue
		}
		b.candidates = append(b.candidates[:i], b.candidates[i+1:]...)
		if i < b.cursor && b.cursor > 0 {
			b.cursor--
		}
		return true
	}
	return false
}

// exclusionSet is everything a refill must not return: buffered ids (which
// include the delivered ones), processed ids and caller exclusions.
func (b *userBuffer) exclusionSet() []string {
	set := make(map[string]struct{}, len(b.candidates)+len(b.excluded)+len(b.processed))
	for _, c := range b.candidates {
		set[c.ID()] = struct{}{}
	}
	for id := range b.excluded {
		set[id] = struct{}{}
	}
	for id := range b.processed {
		set[id] = struct{}{}
	}
	return sortedKeys(set)
}

func (b *userBuffer) stats() Stats {
	return Stats{
		Initialized: b.initialized,
		Total:       len(b.candidates),
		Cursor:      b.cursor,
		Remaining:   b.remaining(),
		HasMore:     b.hasMore,
		IsLoading:   b.isLoading,
		LastFetch:   b.lastFetch,
	}
}

func (b *userBuffer) snapshot() *scorecache.BufferSnapshot {
	candidates := make([]models.ScoredCandidate, len(b.candidates))
	copy(candidates, b.candidates)
	return &scorecache.BufferSnapshot{
		Candidates:   candidates,
		Cursor:       b.cursor,
		HasMore:      b.hasMore,
		LastFetch:    b.lastFetch,
		ExcludedIDs:  sortedKeys(b.excluded),
		ProcessedIDs: sortedKeys(b.processed),
	}
}

func (b *userBuffer) restore(s *scorecache.BufferSnapshot) {
	b.candidates = s.Candidates
	b.cursor = s.Cursor
	if b.cursor < 0 {
		b.cursor = 0
	}
	if b.cursor > len(b.candidates) {
		b.cursor = len(b.candidates)
	}
	b.hasMore = s.HasMore
	b.lastFetch = s.LastFetch
	b.excluded = toSet(s.ExcludedIDs)
	b.processed = toSet(s.ProcessedIDs)
	b.initialized = true
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
