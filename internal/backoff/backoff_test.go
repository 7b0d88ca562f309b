package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstant(t *testing.T) {
	c := NewConstant(500 * time.Millisecond)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 500*time.Millisecond, c.Delay(attempt))
	}
}

func TestLinear(t *testing.T) {
	l := NewLinear(100*time.Millisecond, 250*time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, l.Delay(0))
	assert.Equal(t, 100*time.Millisecond, l.Delay(1))
	assert.Equal(t, 200*time.Millisecond, l.Delay(2))
	assert.Equal(t, 250*time.Millisecond, l.Delay(3), "capped at max")
}

func TestExponential(t *testing.T) {
	e := NewExponential(10*time.Millisecond, 100*time.Millisecond)

	assert.Equal(t, 10*time.Millisecond, e.Delay(1))
	assert.Equal(t, 20*time.Millisecond, e.Delay(2))
	assert.Equal(t, 40*time.Millisecond, e.Delay(3))
	assert.Equal(t, 80*time.Millisecond, e.Delay(4))
	assert.Equal(t, 100*time.Millisecond, e.Delay(5))
	assert.Equal(t, 100*time.Millisecond, e.Delay(60), "large attempts do not overflow")
}

func TestParse(t *testing.T) {
	t.Run("known strategies", func(t *testing.T) {
		for _, name := range []string{"", "constant", "linear", "exponential"} {
			s, err := Parse(name, time.Second)
			require.NoError(t, err, name)
			assert.Equal(t, time.Second, s.Delay(1), name)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := Parse("fibonacci", time.Second)
		assert.Error(t, err)
	})
}

func TestSleep(t *testing.T) {
	t.Run("waits for the duration", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		err := Sleep(ctx, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}
