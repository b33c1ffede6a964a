package ledger

import (
	"sort"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Partition is the records of one platform and one user.
type Partition struct {
	Key   domain.PartitionKey
	Arena *Arena
}

// SplitPartitions groups records by platform × user. Partitions come back
// sorted by key. Records are expected to be unique per (platform, id).
func SplitPartitions(records []*domain.LedgerRecord) ([]*Partition, error) {
	groups := make(map[domain.PartitionKey][]*domain.LedgerRecord)
	for _, rec := range records {
		key := domain.PartitionKey{Platform: rec.Platform, UserID: rec.UserID}
		groups[key] = append(groups[key], rec)
	}

	keys := make([]domain.PartitionKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Platform != keys[j].Platform {
			return keys[i].Platform < keys[j].Platform
		}
		return keys[i].UserID < keys[j].UserID
	})

	out := make([]*Partition, 0, len(keys))
	for _, k := range keys {
		arena, err := NewArena(groups[k]...)
		if err != nil {
			return nil, err
		}
		out = append(out, &Partition{Key: k, Arena: arena})
	}
	return out, nil
}

// Merge collects partitions back into one arena.
func Merge(partitions []*Partition) (*Arena, error) {
	var all []*domain.LedgerRecord
	for _, p := range partitions {
		all = append(all, p.Arena.Records()...)
	}
	return NewArena(all...)
}
