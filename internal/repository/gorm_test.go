package repository

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryIndicatorsRoundTrip(t *testing.T) {
	values := map[string]decimal.Decimal{
		"RSI":       decimal.NewFromFloat(28.5),
		"SMA_SHORT": decimal.NewFromInt(50100),
	}

	raw := encodeIndicators(values)
	require.NotEmpty(t, raw)

	decoded := decodeIndicators(raw)
	require.Len(t, decoded, 2)
	assert.True(t, decoded["RSI"].Equal(values["RSI"]))
	assert.True(t, decoded["SMA_SHORT"].Equal(values["SMA_SHORT"]))
}

func TestEntryIndicatorsEmptyAndInvalid(t *testing.T) {
	assert.Empty(t, encodeIndicators(nil))
	assert.Nil(t, decodeIndicators(""))
	assert.Nil(t, decodeIndicators("not json"))
}
