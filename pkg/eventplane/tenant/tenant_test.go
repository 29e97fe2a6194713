package tenant_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
	"github.com/randalmurphal/eventplane/pkg/eventplane/tenant"
)

func newAdapter(t *testing.T, opts ...tenant.Option) (*tenant.Adapter, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	a, err := tenant.New(s, s.DB(), opts...)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a, s
}

func TestParseIsolationMode(t *testing.T) {
	for _, valid := range []string{"schema", "row_level", "hybrid"} {
		if _, err := tenant.ParseIsolationMode(valid); err != nil {
			t.Errorf("expected %s to parse, got %v", valid, err)
		}
	}
	if _, err := tenant.ParseIsolationMode("none"); eperrors.KindOf(err) != eperrors.KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestBindScopesStorePerTenant(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	bindStore := func(id string) store.EventStore {
		s, err := a.Bind(tenant.Context{TenantID: id, Mode: tenant.RowLevel})
		if err != nil {
			t.Fatalf("bind %s: %v", id, err)
		}
		return s
	}

	storeA := bindStore("tenant-a")
	storeB := bindStore("tenant-b")

	env, _ := eventplane.NewEnvelope("agg-1", "user", "user.created", 1, nil)
	if err := storeA.AppendEvent(ctx, env); err != nil {
		t.Fatalf("append: %v", err)
	}

	eventsA, _ := storeA.GetEvents(ctx, "agg-1")
	eventsB, _ := storeB.GetEvents(ctx, "agg-1")
	if len(eventsA) != 1 {
		t.Errorf("tenant-a expected its event, got %d", len(eventsA))
	}
	if len(eventsB) != 0 {
		t.Errorf("tenant-b must not see tenant-a events, got %d", len(eventsB))
	}
}

func TestBindFromContext(t *testing.T) {
	a, _ := newAdapter(t)

	ctx := tenant.WithTenant(context.Background(),
		tenant.Context{TenantID: "t1", Mode: tenant.RowLevel})
	if _, err := a.BindFromContext(ctx); err != nil {
		t.Fatalf("bind from context: %v", err)
	}

	if _, err := a.BindFromContext(context.Background()); eperrors.KindOf(err) != eperrors.KindConfiguration {
		t.Errorf("expected configuration error without tenant, got %v", err)
	}
}

func TestSchemaModeRequiresCapableBackend(t *testing.T) {
	a, _ := newAdapter(t) // no schema support declared

	_, err := a.Bind(tenant.Context{
		TenantID:       "t1",
		DatabaseSchema: "tenant_t1",
		Mode:           tenant.Schema,
	})
	if eperrors.KindOf(err) != eperrors.KindConfiguration {
		t.Errorf("expected configuration error on schema mode, got %v", err)
	}
}

func TestUnsafeIdentifiersRejected(t *testing.T) {
	a, _ := newAdapter(t, tenant.WithSchemaSupport())

	tests := []tenant.Context{
		{TenantID: "t1; DROP TABLE events", Mode: tenant.RowLevel},
		{TenantID: "t1", DatabaseSchema: "x; DROP SCHEMA", Mode: tenant.Schema},
		{TenantID: "", Mode: tenant.RowLevel},
	}
	for _, tc := range tests {
		if _, err := a.Bind(tc); eperrors.KindOf(err) != eperrors.KindConfiguration {
			t.Errorf("expected rejection of %+v, got %v", tc, err)
		}
	}
}

func TestInTransactionSurfacesBackendErrors(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	// SQLite has no SET LOCAL; the adapter surfaces the backend error
	// instead of silently skipping the isolation statement.
	ran := false
	err := a.InTransaction(ctx, tenant.Context{TenantID: "t1", Mode: tenant.RowLevel},
		func(tx *sql.Tx) error {
			ran = true
			return nil
		})
	if eperrors.KindOf(err) != eperrors.KindDatabase {
		t.Errorf("expected database error from unsupported SET LOCAL, got %v", err)
	}
	if ran {
		t.Error("the work function must not run when isolation cannot be applied")
	}
}
