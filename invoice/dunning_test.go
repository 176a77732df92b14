package invoice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDunningExhaustsAfterLastRetry(t *testing.T) {
	failedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	inv := &Invoice{ID: "in", SubscriptionID: "sub"}
	d := NewDunningSchedule(inv, DefaultPolicy(), failedAt)

	want := []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}
	for i, offset := range want {
		at, ok := d.NextRetryAt()
		require.True(t, ok, "retry %d", i+1)
		assert.Equal(t, failedAt.Add(offset), at)

		assert.False(t, d.RetryDue(at.Add(-time.Second)))
		assert.True(t, d.RetryDue(at))

		d.RetrySubmitted()
		_, ok = d.NextRetryAt()
		assert.False(t, ok, "no retry while awaiting the result")

		exhausted := d.RecordFailure(at.Add(time.Minute))
		if i < len(want)-1 {
			assert.False(t, exhausted)
			assert.Equal(t, DunningActive, d.Status)
		} else {
			assert.True(t, exhausted)
			assert.Equal(t, DunningExhausted, d.Status)
			require.NotNil(t, d.GraceDeadline)
			assert.Equal(t, at.Add(time.Minute).Add(7*24*time.Hour), *d.GraceDeadline)
		}
	}
	_, ok := d.NextRetryAt()
	assert.False(t, ok)
}

func TestDunningOffsetsDoNotDrift(t *testing.T) {
	failedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	d := NewDunningSchedule(&Invoice{ID: "in"}, DefaultPolicy(), failedAt)

	// first retry submitted and failed two days late
	d.RetrySubmitted()
	d.RecordFailure(failedAt.Add(72 * time.Hour))

	at, ok := d.NextRetryAt()
	require.True(t, ok)
	assert.Equal(t, failedAt.Add(72*time.Hour), at)
}

func TestDunningRecoverAndCancel(t *testing.T) {
	d := NewDunningSchedule(&Invoice{ID: "in"}, DefaultPolicy(), time.Now())
	d.RetrySubmitted()
	d.Recover()
	assert.Equal(t, DunningRecovered, d.Status)
	assert.False(t, d.RecordFailure(time.Now()))
	_, ok := d.NextRetryAt()
	assert.False(t, ok)

	c := NewDunningSchedule(&Invoice{ID: "in2"}, DefaultPolicy(), time.Now())
	c.Cancel()
	assert.Equal(t, DunningCanceled, c.Status)
}

func TestResubmitDelayBacksOff(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Minute, p.ResubmitDelay(1))
	assert.Equal(t, 2*time.Minute, p.ResubmitDelay(2))
	assert.Equal(t, 4*time.Minute, p.ResubmitDelay(3))
	assert.Equal(t, time.Hour, p.ResubmitDelay(20))
}
