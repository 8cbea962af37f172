package postgres

import (
	"context"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	st, err := NewStore(dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSetThenGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := "test:" + t.Name()
	_, _ = st.db.ExecContext(ctx, `delete from kv_snapshots where key = $1`, key)

	if _, ok, err := st.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := st.Set(ctx, key, "[]"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Set(ctx, key, `[{"id":7,"amount":2}]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if v != `[{"id":7,"amount":2}]` {
		t.Fatalf("unexpected value %q", v)
	}
	_, _ = st.db.ExecContext(ctx, `delete from kv_snapshots where key = $1`, key)
}
