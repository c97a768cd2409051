package storage

import (
	"context"
	"database/sql"

	"sightbot/internal/geo"
	"sightbot/internal/sighting"
)

// Location returns the cache entry for pos, creating an unresolved one when
// absent.
func (s *Store) Location(ctx context.Context, pos geo.Position) (Location, error) {
	if err := s.check(); err != nil {
		return Location{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO locations(latitude, longitude) VALUES(?, ?) ON CONFLICT DO NOTHING`,
		pos.Lat, pos.Lon); err != nil {
		return Location{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT latitude, longitude, resolved, street_name, street_number, sublocality, locality, premise
		 FROM locations WHERE latitude = ? AND longitude = ?`, pos.Lat, pos.Lon)
	return scanLocation(row)
}

// UnresolvedLocations returns up to limit entries still waiting for geocoding.
func (s *Store) UnresolvedLocations(ctx context.Context, limit int) ([]Location, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT latitude, longitude, resolved, street_name, street_number, sublocality, locality, premise
		 FROM locations WHERE resolved = 0 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResolveLocation stores the geocoding result and marks the entry resolved.
// Empty fields are stored as NULL.
func (s *Store) ResolveLocation(ctx context.Context, pos geo.Position, enr sighting.Enrichment) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations(latitude, longitude, resolved, street_name, street_number, sublocality, locality, premise)
		 VALUES(?, ?, 1, ?, ?, ?, ?, ?)
		 ON CONFLICT(latitude, longitude) DO UPDATE SET
		   resolved = 1,
		   street_name = excluded.street_name,
		   street_number = excluded.street_number,
		   sublocality = excluded.sublocality,
		   locality = excluded.locality,
		   premise = excluded.premise`,
		pos.Lat, pos.Lon,
		nullStr(enr.StreetName), nullStr(enr.StreetNumber), nullStr(enr.Sublocality),
		nullStr(enr.Locality), nullStr(enr.Premise),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(r rowScanner) (Location, error) {
	var (
		l                                        Location
		resolved                                 int
		street, number, sublocality, locality, p sql.NullString
	)
	if err := r.Scan(&l.Position.Lat, &l.Position.Lon, &resolved, &street, &number, &sublocality, &locality, &p); err != nil {
		return Location{}, err
	}
	l.Resolved = resolved != 0
	l.Enrichment = sighting.Enrichment{
		StreetName:   street.String,
		StreetNumber: number.String,
		Sublocality:  sublocality.String,
		Locality:     locality.String,
		Premise:      p.String,
	}
	return l, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
