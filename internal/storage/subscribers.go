package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sightbot/internal/fanout"
	"sightbot/internal/geo"
	"sightbot/internal/sighting"
)

// Query implements fanout.Directory: subscribers with a position inside box,
// optionally watching kind and optionally enabled only.
func (s *Store) Query(ctx context.Context, box geo.Box, kind *int, enabledOnly bool) ([]fanout.Candidate, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT s.chat_id, s.latitude, s.longitude FROM subscribers s`)
	if kind != nil {
		q.WriteString(` JOIN subscriber_alerts a ON a.chat_id = s.chat_id AND a.kind = ?`)
		args = append(args, *kind)
	}
	q.WriteString(` WHERE s.latitude IS NOT NULL AND s.longitude IS NOT NULL AND s.latitude BETWEEN ? AND ?`)
	args = append(args, box.MinLat, box.MaxLat)
	if box.Wraps() {
		q.WriteString(` AND (s.longitude >= ? OR s.longitude <= ?)`)
	} else {
		q.WriteString(` AND s.longitude BETWEEN ? AND ?`)
	}
	args = append(args, box.MinLon, box.MaxLon)
	if enabledOnly {
		q.WriteString(` AND s.enabled = 1`)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fanout.Candidate
	for rows.Next() {
		var c fanout.Candidate
		var id int64
		if err := rows.Scan(&id, &c.Position.Lat, &c.Position.Lon); err != nil {
			return nil, err
		}
		c.Recipient = sighting.Recipient(id)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchSubscriber returns the subscriber for chatID, creating a disabled one
// on first contact. created reports whether the row was new. last_message is
// bumped either way.
func (s *Store) TouchSubscriber(ctx context.Context, chatID sighting.Recipient, now time.Time) (sub Subscriber, created bool, err error) {
	if err := s.check(); err != nil {
		return Subscriber{}, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, last_message) VALUES(?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		int64(chatID), now.UnixMilli())
	if err != nil {
		return Subscriber{}, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		created = true
	} else if _, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_message = ? WHERE chat_id = ?`, now.UnixMilli(), int64(chatID)); err != nil {
		return Subscriber{}, false, err
	}
	sub, err = s.Subscriber(ctx, chatID)
	return sub, created, err
}

// Subscriber loads one subscriber. A missing row is sql.ErrNoRows.
func (s *Store) Subscriber(ctx context.Context, chatID sighting.Recipient) (Subscriber, error) {
	if err := s.check(); err != nil {
		return Subscriber{}, err
	}
	var (
		lat, lon         sql.NullFloat64
		enabled, catch   int
		lastMessageMilli int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT latitude, longitude, enabled, report_catchable, last_message FROM subscribers WHERE chat_id = ?`,
		int64(chatID)).Scan(&lat, &lon, &enabled, &catch, &lastMessageMilli)
	if err != nil {
		return Subscriber{}, err
	}
	sub := Subscriber{
		ChatID:          chatID,
		Enabled:         enabled != 0,
		ReportCatchable: catch != 0,
		LastMessage:     time.UnixMilli(lastMessageMilli),
	}
	if lat.Valid && lon.Valid {
		sub.Position = &geo.Position{Lat: lat.Float64, Lon: lon.Float64}
	}
	return sub, nil
}

// SetLocation stores the subscriber's position and enables alerts.
func (s *Store) SetLocation(ctx context.Context, chatID sighting.Recipient, pos geo.Position) error {
	if err := s.check(); err != nil {
		return err
	}
	if !pos.Valid() {
		return fmt.Errorf("invalid position %v", pos)
	}
	return s.updateOne(ctx,
		`UPDATE subscribers SET latitude = ?, longitude = ?, enabled = 1 WHERE chat_id = ?`,
		pos.Lat, pos.Lon, int64(chatID))
}

func (s *Store) SetEnabled(ctx context.Context, chatID sighting.Recipient, enabled bool) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.updateOne(ctx, `UPDATE subscribers SET enabled = ? WHERE chat_id = ?`, boolInt(enabled), int64(chatID))
}

func (s *Store) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddAlert adds kind to the subscriber's watch list. added is false when it
// was already there.
func (s *Store) AddAlert(ctx context.Context, chatID sighting.Recipient, kind int) (added bool, err error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriber_alerts(chat_id, kind) VALUES(?, ?) ON CONFLICT DO NOTHING`,
		int64(chatID), kind)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RemoveAlert(ctx context.Context, chatID sighting.Recipient, kind int) (removed bool, err error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriber_alerts WHERE chat_id = ? AND kind = ?`, int64(chatID), kind)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Alerts lists the subscriber's watched kinds in ascending order.
func (s *Store) Alerts(ctx context.Context, chatID sighting.Recipient) ([]int, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind FROM subscriber_alerts WHERE chat_id = ? ORDER BY kind`, int64(chatID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var k int
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool { return errors.Is(err, sql.ErrNoRows) }
