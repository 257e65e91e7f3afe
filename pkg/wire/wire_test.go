package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRoundTrip(t *testing.T) {
	times := []time.Time{
		{},
		time.Unix(0, 0).UTC(),
		time.Unix(0, -1).UTC(),
		time.Date(2024, 5, 1, 8, 0, 0, 123456789, time.UTC),
	}

	w := NewWriter(1, 8*len(times))
	for _, ts := range times {
		w.Time(ts)
	}
	r, err := NewReader("times", w.Bytes(), 1)
	require.NoError(t, err)
	for _, want := range times {
		got := r.Time()
		assert.Equal(t, want.IsZero(), got.IsZero(), "zero-ness of %v", want)
		assert.True(t, want.Equal(got), "want %v, got %v", want, got)
	}
	require.NoError(t, r.Err())
}

func TestTimeUnixEpochIsNotZero(t *testing.T) {
	w := NewWriter(1, 8)
	w.Time(time.Unix(0, 0))
	r, err := NewReader("time", w.Bytes(), 1)
	require.NoError(t, err)
	assert.False(t, r.Time().IsZero())
}
