package invitebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// envvarTestPostgresDSN points at a disposable postgres database. Tables
// created by the tests are dropped afterward.
const envvarTestPostgresDSN = "IB_TEST_POSTGRES_DSN"

func setupPostgresTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(envvarTestPostgresDSN)
	if dsn == "" {
		t.Skipf("%s not set", envvarTestPostgresDSN)
	}
	ctx := context.Background()

	db, err := CreateDB(ctx, dbTypePostgres, dsn)
	require.NoError(t, err)
	require.NoError(t, configurePool(ctx, db, dbTypePostgres, DefaultMaxDBConnections))

	dropTables := func() {
		for i := len(dbModels) - 1; i >= 0; i-- {
			_ = db.Migrator().DropTable(dbModels[i])
		}
	}
	t.Cleanup(
		func() {
			dropTables()
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	// start from empty tables, in case a previous run didn't clean up
	dropTables()
	require.NoError(t, migrateDB(ctx, db))
	return db
}

// TestPostgres_Assign_Concurrent runs more concurrent assignments than
// there are pooled connections or slots, under serializable isolation.
// Assignments that exhaust their retries are retried until every guild
// either has an instance or sees capacity exhausted.
func TestPostgres_Assign_Concurrent(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()
	allocator := NewAllocator(
		db,
		30*time.Second,
		newMetrics(),
		slog.Default().With("test", t.Name()),
	)

	limits := map[string]int{"alpha": 3, "bravo": 3, "charlie": 4}
	totalCapacity := 0
	for id, limit := range limits {
		seedInstance(t, db, id, limit)
		totalCapacity += limit
	}

	guildCount := 2 * totalCapacity
	pending := make([]string, 0, guildCount)
	for i := 0; i < guildCount; i++ {
		guildID := fmt.Sprintf("guild-%d", i)
		seedGuild(t, db, guildID, "")
		pending = append(pending, guildID)
	}

	assigned := 0
	exhausted := 0
	for round := 0; len(pending) > 0; round++ {
		require.Less(t, round, 5, "guilds still conflicting: %v", pending)

		var mu sync.Mutex
		var conflicted []string
		g, gctx := errgroup.WithContext(ctx)
		for _, guildID := range pending {
			g.Go(
				func() error {
					_, err := allocator.Assign(gctx, guildID)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						assigned++
					case errors.Is(err, ErrCapacityExhausted):
						exhausted++
					case errors.Is(err, ErrConflict):
						conflicted = append(conflicted, guildID)
					default:
						return err
					}
					return nil
				},
			)
		}
		require.NoError(t, g.Wait())
		pending = conflicted
	}

	assert.Equal(t, totalCapacity, assigned)
	assert.Equal(t, guildCount-totalCapacity, exhausted)
	for id, limit := range limits {
		assert.Equal(t, int64(limit), countAssigned(t, db, id), id)
	}

	remaining, err := allocator.RemainingCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestPostgres_SerializationFailureRetried(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()
	seedInstance(t, db, "alpha", 1)

	// force 40001 on the first attempt
	attempts := 0
	result, err := RunTransaction(
		ctx,
		db,
		IsolationSerializable,
		UnitOfWorkFunc[int](
			func(ctx context.Context, tx *gorm.DB) (int, error) {
				attempts++
				if attempts == 1 {
					err := tx.Exec(
						"DO $$ BEGIN RAISE EXCEPTION 'conflict' USING ERRCODE = '40001'; END $$",
					).Error
					return 0, err
				}
				var n int
				err := tx.Raw("SELECT server_limit FROM private_bot_instance").Scan(&n).Error
				return n, err
			},
		),
		WithAcquireTimeout(5*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, result)
	assert.Equal(t, 2, attempts)
}
