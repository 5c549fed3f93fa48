package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/simslot/internal/db"
	"github.com/g960059/simslot/internal/model"
	"github.com/g960059/simslot/internal/slotstate"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "simslot-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NewSlotState returns a slot state store backed by a fresh sqlite file.
func NewSlotState(t *testing.T) (*slotstate.Store, *db.Store, context.Context) {
	t.Helper()
	store, ctx := NewStore(t)
	return slotstate.NewStore(store), store, ctx
}

// SeedSlotState writes both persisted keys.
func SeedSlotState(t *testing.T, st *slotstate.Store, ctx context.Context, state model.PersistedSlotState) {
	t.Helper()
	if err := st.SetLastPresence(ctx, state.LastRemovablePresence); err != nil {
		t.Fatalf("seed last presence: %v", err)
	}
	if err := st.SetPendingSetupAction(ctx, state.PendingSetupAction); err != nil {
		t.Fatalf("seed pending action: %v", err)
	}
}
