//go:build integration

package pgbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/bus"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("previews"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestNotifyRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := Open(ctx, dsn, "", zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	_, err = b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", DefaultChannel, "not-an-event")
	require.NoError(t, err)
	want := bus.Event{Status: bus.StatusFinished, StreamID: "s1", ObjectID: "o1"}
	require.NoError(t, b.Publish(ctx, want))

	select {
	case got := <-sub.Events():
		assert.Equal(t, want, got)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}

	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
