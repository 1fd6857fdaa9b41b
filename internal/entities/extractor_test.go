package entities

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoop_AlwaysEmpty(t *testing.T) {
	t.Parallel()
	require.Empty(t, NewNoop().Extract("write to sales@example.com for $100"))
}

func TestPattern_FindsTypedSpans(t *testing.T) {
	t.Parallel()
	text := "Contact sales@example.com or visit https://example.com/shop before 2026-09-01, prices from $1,299.99"

	found := NewPattern().Extract(text)
	require.NotEmpty(t, found)

	byLabel := make(map[string]string)
	for _, entity := range found {
		byLabel[entity.Label] = entity.Text
		// Spans must index back into the input.
		require.Equal(t, text[entity.Start:entity.End], entity.Text)
	}
	require.Equal(t, "sales@example.com", byLabel["EMAIL"])
	require.Equal(t, "https://example.com/shop", byLabel["URL"])
	require.Equal(t, "2026-09-01", byLabel["DATE"])
	require.Equal(t, "$1,299.99", byLabel["MONEY"])
}

func TestPattern_NoMatches(t *testing.T) {
	t.Parallel()
	require.Empty(t, NewPattern().Extract("nothing interesting here"))
}
