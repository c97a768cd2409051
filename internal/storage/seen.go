package storage

import (
	"context"
	"time"
)

// PutSeen persists a dedup record. A later expiry for the same id wins.
func (s *Store) PutSeen(ctx context.Context, id string, until time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(id, until) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET until = max(until, excluded.until)`,
		id, until.UnixMilli())
	return err
}

// LoadSeen returns every record still live at now.
func (s *Store) LoadSeen(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, until FROM seen WHERE until > ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

// PruneSeen deletes records expired at now and reports how many went.
func (s *Store) PruneSeen(ctx context.Context, now time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE until <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
