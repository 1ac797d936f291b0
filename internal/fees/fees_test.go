package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedule() Schedule {
	return Schedule{
		FlatFee:       decimal.NewFromInt(30),
		PercentFee:    decimal.RequireFromString("0.03"),
		TreasurySplit: decimal.RequireFromString("0.40"),
	}
}

func TestComputeNetTenDollarPurchase(t *testing.T) {
	breakdown, err := testSchedule().ComputeNet(decimal.NewFromInt(1000))
	require.NoError(t, err)

	assert.True(t, breakdown.ProcessorFee.Equal(decimal.NewFromInt(60)), "processor fee: %s", breakdown.ProcessorFee)
	assert.True(t, breakdown.Treasury.Equal(decimal.NewFromInt(376)), "treasury: %s", breakdown.Treasury)
	assert.True(t, breakdown.Net.Equal(decimal.NewFromInt(564)), "net: %s", breakdown.Net)
}

func TestComputeNetSumInvariant(t *testing.T) {
	schedule := testSchedule()
	for _, gross := range []int64{100, 101, 999, 1000, 12345, 1000001} {
		breakdown, err := schedule.ComputeNet(decimal.NewFromInt(gross))
		require.NoError(t, err, "gross=%d", gross)

		sum := breakdown.ProcessorFee.Add(breakdown.Treasury).Add(breakdown.Net)
		assert.True(t, sum.Equal(breakdown.Gross), "gross=%d sum=%s", gross, sum)
		assert.True(t, breakdown.Net.Equal(breakdown.Net.Floor()), "gross=%d net not integral: %s", gross, breakdown.Net)
	}
}

func TestComputeNetRejectsUncoverableGross(t *testing.T) {
	tests := []struct {
		name  string
		gross int64
	}{
		{"zero", 0},
		{"negative", -500},
		{"below flat fee", 25},
		{"exactly consumed by fees", 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testSchedule().ComputeNet(decimal.NewFromInt(tt.gross))
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestComputeNetRejectsDegenerateSchedule(t *testing.T) {
	schedule := testSchedule()
	schedule.TreasurySplit = decimal.NewFromInt(1)
	_, err := schedule.ComputeNet(decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	schedule = testSchedule()
	schedule.PercentFee = decimal.RequireFromString("-0.01")
	_, err = schedule.ComputeNet(decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGrossForNetCoversTarget(t *testing.T) {
	schedule := testSchedule()
	for _, target := range []int64{1, 50, 450, 564, 9999, 123456} {
		targetNet := decimal.NewFromInt(target)
		gross, err := schedule.GrossForNet(targetNet)
		require.NoError(t, err, "target=%d", target)

		breakdown, err := schedule.ComputeNet(gross)
		require.NoError(t, err, "target=%d gross=%s", target, gross)
		assert.True(t, breakdown.Net.GreaterThanOrEqual(targetNet),
			"target=%d gross=%s net=%s", target, gross, breakdown.Net)

		// One cent less must no longer cover the target, otherwise the
		// inverse is not minimal-ish for this schedule.
		smaller, err := schedule.ComputeNet(gross.Sub(decimal.NewFromInt(2)))
		if err == nil {
			assert.True(t, smaller.Net.LessThanOrEqual(targetNet),
				"target=%d gross-2=%s net=%s", target, gross.Sub(decimal.NewFromInt(2)), smaller.Net)
		}
	}
}

func TestGrossForNetKnownVector(t *testing.T) {
	gross, err := testSchedule().GrossForNet(decimal.NewFromInt(450))
	require.NoError(t, err)
	assert.True(t, gross.Equal(decimal.NewFromInt(805)), "gross: %s", gross)
}

func TestGrossForNetRejectsNonPositiveTarget(t *testing.T) {
	_, err := testSchedule().GrossForNet(decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
