package sighting

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() map[string]any {
	return map[string]any{
		"encounter_id":   "enc-1",
		"pokemon_id":     132.0,
		"latitude":       -22.931950,
		"longitude":      -43.247290,
		"disappear_time": 1700000102.5,
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()
	ev, err := ParseEvent(validPayload())
	require.NoError(t, err)
	assert.Equal(t, "enc-1", ev.ID)
	assert.Equal(t, 132, ev.Kind)
	assert.InDelta(t, -22.931950, ev.Position.Lat, 1e-12)
	assert.Equal(t, time.Unix(1700000102, 500000000), ev.Expires)
}

func TestParseEventAcceptsStringsAndJSONNumbers(t *testing.T) {
	t.Parallel()
	p := validPayload()
	p["pokemon_id"] = json.Number("25")
	p["latitude"] = "10.5"
	p["encounter_id"] = json.Number("998877")
	ev, err := ParseEvent(p)
	require.NoError(t, err)
	assert.Equal(t, 25, ev.Kind)
	assert.Equal(t, "998877", ev.ID)
	assert.Equal(t, 10.5, ev.Position.Lat)
}

func TestParseEventMissingFields(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"encounter_id", "pokemon_id", "latitude", "longitude", "disappear_time"} {
		key := key
		t.Run(key, func(t *testing.T) {
			t.Parallel()
			p := validPayload()
			delete(p, key)
			_, err := ParseEvent(p)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
	_, err := ParseEvent(nil)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseEventRejectsBadValues(t *testing.T) {
	t.Parallel()
	p := validPayload()
	p["latitude"] = 123.0
	_, err := ParseEvent(p)
	assert.Error(t, err)

	p = validPayload()
	p["pokemon_id"] = 1.5
	_, err = ParseEvent(p)
	assert.Error(t, err)

	p = validPayload()
	p["longitude"] = []int{1}
	_, err = ParseEvent(p)
	assert.Error(t, err)
}

func TestRecipientSetOps(t *testing.T) {
	t.Parallel()
	a := NewRecipientSet(1, 2, 3)
	b := NewRecipientSet(2, 4)

	diff := a.Minus(b)
	assert.Equal(t, []Recipient{1, 3}, diff.Sorted())

	a.Union(b)
	assert.Equal(t, []Recipient{1, 2, 3, 4}, a.Sorted())
	assert.True(t, a.Has(4))
	assert.Equal(t, 4, a.Len())
}
