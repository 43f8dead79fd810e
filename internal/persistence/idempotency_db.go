package persistence

import (
	"context"
	"database/sql"
	"time"
)

// RequestStore is the Postgres tier of request deduplication.
type RequestStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db, timeout: 500 * time.Millisecond}
}

// Record claims op/requestID. The unique key makes the claim atomic across
// instances: only the first caller inserts.
func (rs *RequestStore) Record(ctx context.Context, op, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	res, err := rs.db.ExecContext(ctx,
		`INSERT INTO requests (operation, request_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		op, requestID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Forget drops a claim so the request id can be used again.
func (rs *RequestStore) Forget(ctx context.Context, op, requestID string) error {
	ctx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()

	_, err := rs.db.ExecContext(ctx,
		`DELETE FROM requests WHERE operation = $1 AND request_id = $2`,
		op, requestID,
	)
	return err
}

// RecentKeys returns the newest request keys as "op:id", for warming the LRU
// on restart.
func (rs *RequestStore) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT operation, request_id FROM requests ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var op, id string
		if err := rows.Scan(&op, &id); err != nil {
			return nil, err
		}
		keys = append(keys, op+":"+id)
	}
	return keys, rows.Err()
}

// Prune drops request ids older than maxAge.
func (rs *RequestStore) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := rs.db.ExecContext(ctx,
		`DELETE FROM requests WHERE created_at < $1`, time.Now().Add(-maxAge),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
