// Package tenant scopes event-plane operations to a tenant.
//
// Three isolation modes are supported. Schema switches the search path per
// call; RowLevel sets a session variable the backend's row policies filter
// on; Hybrid applies both. The adapter guarantees the scoping statements run
// inside the same transaction that performs the work.
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
)

// IsolationMode selects how tenant data is separated.
type IsolationMode string

const (
	// Schema gives each tenant its own schema; the search path is switched
	// per call.
	Schema IsolationMode = "schema"

	// RowLevel keeps tenants in shared tables; a session variable
	// (current_tenant_id) drives row filtering.
	RowLevel IsolationMode = "row_level"

	// Hybrid applies both schema switching and the session variable.
	Hybrid IsolationMode = "hybrid"
)

// ParseIsolationMode parses a mode name.
func ParseIsolationMode(s string) (IsolationMode, error) {
	switch IsolationMode(s) {
	case Schema, RowLevel, Hybrid:
		return IsolationMode(s), nil
	}
	return "", eperrors.Configuration("tenant", "unknown isolation mode: "+s)
}

// Context identifies the tenant an operation runs as.
type Context struct {
	TenantID       string
	DatabaseSchema string
	Mode           IsolationMode
}

type ctxKey struct{}

// WithTenant attaches a tenant context to ctx.
func WithTenant(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the tenant context, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// identRe matches identifiers safe to interpolate into SET statements,
// which cannot be parameterized.
var identRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Adapter binds store operations and raw transactions to tenants.
type Adapter struct {
	db            *sql.DB
	inner         store.EventStore
	schemaCapable bool
}

// Option configures the adapter.
type Option func(*Adapter)

// WithSchemaSupport declares that the backend supports per-tenant schemas
// and a switchable search path. Without it, Schema and Hybrid modes are
// rejected at bind time.
func WithSchemaSupport() Option {
	return func(a *Adapter) { a.schemaCapable = true }
}

// New creates an adapter over a store and, optionally, the raw database
// handle used for session-scoped transactions. The store must support
// tenant scoping.
func New(inner store.EventStore, db *sql.DB, opts ...Option) (*Adapter, error) {
	if _, ok := inner.(store.TenantScoper); !ok {
		return nil, eperrors.Configuration("tenant", "store does not support tenant scoping")
	}
	a := &Adapter{db: db, inner: inner}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Bind returns an event store scoped to the tenant: every append stamps the
// tenant and every read filters by it, inside the same transaction that
// performs the work. The bound store scopes by the tenant column in every
// mode; it issues no search_path or session-variable statements, which only
// InTransaction runs.
func (a *Adapter) Bind(tc Context) (store.EventStore, error) {
	if err := a.validate(tc); err != nil {
		return nil, err
	}
	return a.inner.(store.TenantScoper).Scoped(tc.TenantID), nil
}

// BindFromContext binds using the tenant attached to ctx.
func (a *Adapter) BindFromContext(ctx context.Context) (store.EventStore, error) {
	tc, ok := FromContext(ctx)
	if !ok {
		return nil, eperrors.Configuration("tenant", "no tenant in context")
	}
	return a.Bind(tc)
}

func (a *Adapter) validate(tc Context) error {
	if tc.TenantID == "" {
		return eperrors.Configuration("tenant", "tenant ID is required")
	}
	if !identRe.MatchString(tc.TenantID) {
		return eperrors.Configuration("tenant", "tenant ID contains unsafe characters")
	}
	switch tc.Mode {
	case Schema, Hybrid:
		if !a.schemaCapable {
			return eperrors.Configuration("tenant",
				fmt.Sprintf("isolation mode %s requires a schema-capable backend", tc.Mode))
		}
		if tc.DatabaseSchema == "" || !identRe.MatchString(tc.DatabaseSchema) {
			return eperrors.Configuration("tenant", "invalid database schema name")
		}
	case RowLevel:
	default:
		return eperrors.Configuration("tenant", "unknown isolation mode: "+string(tc.Mode))
	}
	return nil
}

// InTransaction begins a transaction, applies the tenant's scoping
// statements inside it, runs fn, and commits. Used by callers that need raw
// SQL under tenant isolation; the scoping variable lives and dies with the
// transaction.
func (a *Adapter) InTransaction(ctx context.Context, tc Context, fn func(tx *sql.Tx) error) error {
	if a.db == nil {
		return eperrors.Configuration("tenant", "no database handle configured")
	}
	if err := a.validate(tc); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return eperrors.Database("tenant: begin", err)
	}
	defer tx.Rollback()

	// Identifiers are validated above; SET statements cannot take
	// placeholders.
	if tc.Mode == Schema || tc.Mode == Hybrid {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("SET search_path TO %s, public", tc.DatabaseSchema)); err != nil {
			return eperrors.Database("tenant: set search_path", err)
		}
	}
	if tc.Mode == RowLevel || tc.Mode == Hybrid {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("SET LOCAL app.current_tenant_id = '%s'", tc.TenantID)); err != nil {
			return eperrors.Database("tenant: set tenant variable", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eperrors.Database("tenant: commit", err)
	}
	return nil
}
