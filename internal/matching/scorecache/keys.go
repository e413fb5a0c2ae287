package scorecache

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key categories, also used as the metrics label.
const (
	categoryScore   = "score"
	categoryBatch   = "batch"
	categoryProfile = "profile"
	categoryBuffer  = "buffer"
	categoryMarker  = "precomputed"
)

type keyspace struct {
	prefix string
}

// scoreKey is order independent: the ids are sorted before joining.
func (k keyspace) scoreKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return k.prefix + categoryScore + ":" + a + ":" + b
}

// batchKey hashes the sorted, de-duplicated exclusion list so that the same
// effective exclusion set maps to the same batch regardless of order.
func (k keyspace) batchKey(userID string, excludedIDs []string) string {
	return k.prefix + categoryBatch + ":" + userID + ":" + exclusionHash(excludedIDs)
}

func (k keyspace) batchPattern(userID string) string {
	return k.prefix + categoryBatch + ":" + escapeGlob(userID) + ":*"
}

func (k keyspace) profileKey(userID string) string {
	return k.prefix + categoryProfile + ":" + userID
}

func (k keyspace) bufferKey(userID string) string {
	return k.prefix + categoryBuffer + ":" + userID
}

func (k keyspace) markerKey(userID string) string {
	return k.prefix + categoryMarker + ":" + userID
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func exclusionHash(ids []string) string {
	sorted := normalizeIDs(ids)
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(sorted, ",")), 16)
}

// normalizeIDs returns a sorted copy of ids without blanks or duplicates.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
