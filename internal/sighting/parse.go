package sighting

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sightbot/internal/geo"
)

var ErrMissingField = errors.New("missing required field")

// ParseEvent validates a "pokemon" payload and builds an Event.
//
// Required fields: encounter_id, pokemon_id, latitude, longitude and
// disappear_time (unix seconds). Numbers may be JSON numbers or numeric strings.
func ParseEvent(p map[string]any) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("%w: payload", ErrMissingField)
	}
	id, err := stringField(p, "encounter_id")
	if err != nil {
		return Event{}, err
	}
	kind, err := numberField(p, "pokemon_id")
	if err != nil {
		return Event{}, err
	}
	lat, err := numberField(p, "latitude")
	if err != nil {
		return Event{}, err
	}
	lon, err := numberField(p, "longitude")
	if err != nil {
		return Event{}, err
	}
	disappear, err := numberField(p, "disappear_time")
	if err != nil {
		return Event{}, err
	}

	if kind != math.Trunc(kind) {
		return Event{}, fmt.Errorf("pokemon_id: not an integer: %v", kind)
	}
	pos := geo.Position{Lat: lat, Lon: lon}
	if !pos.Valid() {
		return Event{}, fmt.Errorf("position out of range: %v,%v", lat, lon)
	}

	sec, frac := math.Modf(disappear)
	expires := time.Unix(int64(sec), int64(frac*float64(time.Second)))

	return Event{
		ID:       id,
		Kind:     int(kind),
		Position: pos,
		Expires:  expires,
	}, nil
}

func stringField(p map[string]any, key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return s, nil
}

func numberField(p map[string]any, key string) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		f, err = x.Float64()
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
		}
		f, err = strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, v)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s: not finite", key)
	}
	return f, nil
}
