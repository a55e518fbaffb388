package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend belonging to
// application appName, forcing in-flight transactions to abort mid-way.
// Returns the number of backends terminated.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) int {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database()
                                         AND pid <> pg_backend_pid()
                                         AND ($1 = '' OR application_name = $1)
                                       ORDER BY random() LIMIT 1`, appName).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
