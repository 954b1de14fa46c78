package entstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/wilhg/previews/pkg/store"
	"github.com/wilhg/previews/pkg/store/storetest"
)

var dbSeq atomic.Int64

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("sqlite:file:ent%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_fk=1", dbSeq.Add(1))
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := openSQLite(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		in, drv, dialect string
		wantErr          bool
	}{
		{in: "sqlite:file:x?mode=memory", drv: "sqlite3", dialect: "sqlite3"},
		{in: "sqlite:", drv: "sqlite3", dialect: "sqlite3"},
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", drv: "pgx", dialect: "postgres"},
		{in: "postgresql://localhost/db", drv: "pgx", dialect: "postgres"},
		{in: "host=localhost user=u dbname=db", drv: "pgx", dialect: "postgres"},
		{in: "mysql://localhost/db", wantErr: true},
		{in: "garbage", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		drv, dsn, dia, err := ParseURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if drv != tc.drv || dia != tc.dialect || dsn == "" {
			t.Fatalf("%q: drv=%s dialect=%s dsn=%q", tc.in, drv, dia, dsn)
		}
	}
}
