// Package storage is the SQLite persistence layer: the subscriber directory,
// per-subscriber watch lists, the reverse-geocoding location cache and the
// durable copy of the dedup registry.
package storage
