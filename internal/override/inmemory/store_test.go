package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/override"
)

func TestStore_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	entry := &override.Entry{
		Platform:      "alipay",
		TransactionID: "t1",
		L1:            "餐饮美食",
		L2:            "咖啡饮品",
		Provenance:    domain.ProvenanceManual,
		Source:        override.SourceUser,
		UpdatedAt:     time.Now().UTC(),
	}

	stored, err := store.CompareAndSet(ctx, entry, 0)
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("CompareAndSet() version = %d, want 1", stored.Version)
	}

	if _, err := store.CompareAndSet(ctx, entry, 0); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("CompareAndSet() stale error = %v, want ErrVersionConflict", err)
	}

	entry.L2 = "烘焙甜点"
	stored, err = store.CompareAndSet(ctx, entry, 1)
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if stored.Version != 2 {
		t.Errorf("CompareAndSet() version = %d, want 2", stored.Version)
	}

	got, err := store.Get(ctx, entry.Key())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.L2 != "烘焙甜点" {
		t.Errorf("Get() L2 = %q, want 烘焙甜点", got.L2)
	}

	// Returned copies are detached from the store.
	got.L2 = "changed"
	again, _ := store.Get(ctx, entry.Key())
	if again.L2 != "烘焙甜点" {
		t.Errorf("Get() returned shared entry")
	}
}

func TestStore_GetMissing(t *testing.T) {
	_, err := NewStore().Get(context.Background(), domain.RecordKey{Platform: "jd", TransactionID: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, e := range []*override.Entry{
		{Platform: "wechat", TransactionID: "b", Source: override.SourceUser},
		{Platform: "alipay", TransactionID: "z", Source: override.SourceLLM},
		{Platform: "alipay", TransactionID: "a", Source: override.SourceUser},
	} {
		if _, err := store.CompareAndSet(ctx, e, 0); err != nil {
			t.Fatalf("CompareAndSet() error = %v", err)
		}
	}

	tests := []struct {
		name    string
		filter  override.Filter
		wantIDs []string
	}{
		{"all ordered", override.Filter{}, []string{"a", "z", "b"}},
		{"by platform", override.Filter{Platform: "alipay"}, []string{"a", "z"}},
		{"by source", override.Filter{Source: override.SourceLLM}, []string{"z"}},
		{"limit and offset", override.Filter{Offset: 1, Limit: 1}, []string{"z"}},
		{"offset past end", override.Filter{Offset: 5}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("List() len = %d, want %d", len(got), len(tt.wantIDs))
			}
			for i, e := range got {
				if e.TransactionID != tt.wantIDs[i] {
					t.Errorf("List()[%d] = %s, want %s", i, e.TransactionID, tt.wantIDs[i])
				}
			}
		})
	}
}
