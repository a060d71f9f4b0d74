package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = `
pricing:
  defaults:
    input_per_1k: 0.0004
    output_per_1k: 0.0012
  models:
    openai:
      gpt-4o-mini:
        input_per_1k: 0.00015
        output_per_1k: 0.0006
      gpt-4o:
        input_per_1k: 0.0025
        output_per_1k: 0.01
    anthropic:
      claude-sonnet:
        input_per_1k: 0.003
        output_per_1k: 0.015
`

func TestKnownModelSplitCost(t *testing.T) {
	require.NoError(t, LoadFromBytes([]byte(testTable)))

	inUSD, outUSD, total, known := CostForSplit("gpt-4o-mini", 2000, 1000)
	assert.True(t, known)
	assert.InDelta(t, 0.0003, inUSD, 1e-9)
	assert.InDelta(t, 0.0006, outUSD, 1e-9)
	assert.InDelta(t, 0.0009, total, 1e-9)
}

func TestUnknownModelFallsBackToDefaults(t *testing.T) {
	require.NoError(t, LoadFromBytes([]byte(testTable)))

	_, _, total, known := CostForSplit("mystery-model", 1000, 1000)
	assert.False(t, known)
	assert.InDelta(t, 0.0016, total, 1e-9)
}

func TestNegativeTokensTreatedAsZero(t *testing.T) {
	require.NoError(t, LoadFromBytes([]byte(testTable)))

	inUSD, outUSD, total, _ := CostForSplit("gpt-4o", -5, -10)
	assert.Zero(t, inUSD)
	assert.Zero(t, outUSD)
	assert.Zero(t, total)
}

func TestSixDecimalPrecision(t *testing.T) {
	require.NoError(t, LoadFromBytes([]byte(testTable)))

	// 7 input tokens at 0.00015/1K is 0.00000105, which rounds to 0.000001.
	inUSD, _, _, _ := CostForSplit("gpt-4o-mini", 7, 0)
	assert.InDelta(t, 0.000001, inUSD, 1e-12)

	assert.InDelta(t, 0.123457, Round6(0.1234565), 1e-12)
}

func TestRatesAcrossProviders(t *testing.T) {
	require.NoError(t, LoadFromBytes([]byte(testTable)))

	in, out, known := Rates("claude-sonnet")
	assert.True(t, known)
	assert.InDelta(t, 0.003, in, 1e-9)
	assert.InDelta(t, 0.015, out, 1e-9)
}
