package tokenizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{
			name:     "empty text equals overhead",
			text:     "",
			expected: 200,
		},
		{
			name:     "400 chars",
			text:     strings.Repeat("a", 400),
			expected: 300,
		},
		{
			name:     "sub-4 chars round down",
			text:     "abc",
			expected: 200,
		},
		{
			name:     "exactly 4 chars",
			text:     "abcd",
			expected: 201,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Estimate(tt.text))
		})
	}
}

type fakeCounter struct {
	count int
	err   error
	calls int
}

func (f *fakeCounter) CountTokens(ctx context.Context, text string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func TestCounter_Count(t *testing.T) {
	t.Run("uses precise count", func(t *testing.T) {
		precise := &fakeCounter{count: 1234}
		c := NewCounter(precise, nil)

		assert.Equal(t, 1234, c.Count(context.Background(), "some manuscript text"))
	})

	t.Run("falls back to estimate on error", func(t *testing.T) {
		precise := &fakeCounter{err: errors.New("count failed")}
		c := NewCounter(precise, nil)

		text := strings.Repeat("a", 400)
		assert.Equal(t, Estimate(text), c.Count(context.Background(), text))
	})

	t.Run("nil precise counter degrades to estimate", func(t *testing.T) {
		c := NewCounter(nil, nil)
		assert.Equal(t, Estimate("hello"), c.Count(context.Background(), "hello"))
	})

	t.Run("memoizes by content", func(t *testing.T) {
		precise := &fakeCounter{count: 42}
		c := NewCounter(precise, nil)

		for i := 0; i < 3; i++ {
			assert.Equal(t, 42, c.Count(context.Background(), "same text"))
		}
		assert.Equal(t, 1, precise.calls)
	})
}

func TestCounter_CountPrecise(t *testing.T) {
	t.Run("returns the error without fallback", func(t *testing.T) {
		precise := &fakeCounter{err: errors.New("count failed")}
		c := NewCounter(precise, nil)

		_, err := c.CountPrecise(context.Background(), "text")
		require.Error(t, err)
	})

	t.Run("errors when no precise counter wired", func(t *testing.T) {
		c := NewCounter(nil, nil)
		_, err := c.CountPrecise(context.Background(), "text")
		require.Error(t, err)
	})
}
