package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firewatch/firewatch/pkg/types"
)

var t0 = time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)

var fireRule = Rule{RequiredCount: 50, MaxGap: time.Second, MaxLateness: 200 * time.Millisecond}

func verdict(level types.RiskLevel, at time.Time) types.Verdict {
	return types.Verdict{SourceID: "cam-1", Channel: types.ChannelVision, Level: level, ObservedAt: at}
}

// frame returns the observation time of frame i at 10 frames per second.
func frame(i int) time.Time { return t0.Add(time.Duration(i) * 100 * time.Millisecond) }

func TestObserve_ConfirmsAtRequiredCount(t *testing.T) {
	d := New()
	for i := 0; i < 49; i++ {
		res := d.Observe(verdict(types.LevelCritical, frame(i)), fireRule)
		require.False(t, res.Confirmed, "frame %d", i)
	}
	res := d.Observe(verdict(types.LevelCritical, frame(49)), fireRule)
	assert.True(t, res.Confirmed)
	assert.Equal(t, 50, res.Count)

	res = d.Observe(verdict(types.LevelCritical, frame(50)), fireRule)
	assert.True(t, res.Confirmed, "observations after confirmation stay confirmed")
	assert.Equal(t, 51, res.Count)
}

func TestObserve_SingleContradictionResets(t *testing.T) {
	d := New()
	for i := 0; i < 40; i++ {
		d.Observe(verdict(types.LevelCritical, frame(i)), fireRule)
	}
	res := d.Observe(verdict(types.LevelNormal, frame(40)), fireRule)
	assert.False(t, res.Confirmed)
	assert.Equal(t, ReasonLevel, res.Reason)

	res = d.Observe(verdict(types.LevelCritical, frame(41)), fireRule)
	assert.Equal(t, 1, res.Count, "counter restarts, no partial decrement")
	assert.Equal(t, ReasonLevel, res.Reason)
}

func TestObserve_GapExpiresWindow(t *testing.T) {
	d := New()
	for i := 0; i < 30; i++ {
		d.Observe(verdict(types.LevelCritical, frame(i)), fireRule)
	}
	// The source stalls for five seconds and resumes.
	res := d.Observe(verdict(types.LevelCritical, frame(29).Add(5*time.Second)), fireRule)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.Equal(t, 1, res.Count)
}

func TestObserve_GapNeverFabricatesCompletion(t *testing.T) {
	d := New()
	at := t0
	for i := 0; i < 100; i++ {
		res := d.Observe(verdict(types.LevelCritical, at), fireRule)
		require.False(t, res.Confirmed, "observation %d", i)
		at = at.Add(2 * time.Second)
	}
}

func TestObserve_BoundedLatenessCounts(t *testing.T) {
	d := New()
	d.Observe(verdict(types.LevelCritical, frame(10)), fireRule)
	res := d.Observe(verdict(types.LevelCritical, frame(9)), fireRule)
	assert.Equal(t, ReasonLate, res.Reason)
	assert.Equal(t, 2, res.Count)

	w, ok := d.Window("cam-1", types.ChannelVision)
	require.True(t, ok)
	assert.Equal(t, frame(10), w.LastObservedAt, "late frames never move the window backwards")
	assert.Equal(t, frame(10).Add(time.Second), w.Deadline)
}

func TestObserve_NegativeElapsedBeyondLatenessResets(t *testing.T) {
	d := New()
	for i := 0; i < 20; i++ {
		d.Observe(verdict(types.LevelCritical, frame(i)), fireRule)
	}
	res := d.Observe(verdict(types.LevelCritical, frame(0).Add(-time.Minute)), fireRule)
	assert.Equal(t, ReasonSkew, res.Reason)
	assert.Equal(t, 1, res.Count)
}

func TestObserve_NormalNeverConfirms(t *testing.T) {
	d := New()
	r := Rule{RequiredCount: 1, MaxGap: time.Minute}
	res := d.Observe(verdict(types.LevelNormal, t0), r)
	assert.False(t, res.Confirmed)
}

func TestObserve_ScalarRequiredOne(t *testing.T) {
	d := New()
	r := Rule{RequiredCount: 1, MaxGap: 5 * time.Minute}
	v := types.Verdict{SourceID: "st-1", Channel: "temperature", Level: types.LevelCritical, ObservedAt: t0}
	assert.True(t, d.Observe(v, r).Confirmed)
}

func TestObserve_StreamsAreIndependent(t *testing.T) {
	d := New()
	r := Rule{RequiredCount: 3, MaxGap: time.Minute}
	temp := types.Verdict{SourceID: "st-1", Channel: "temperature", Level: types.LevelWarning}
	hum := types.Verdict{SourceID: "st-1", Channel: "humidity", Level: types.LevelNormal}

	for i := 0; i < 3; i++ {
		temp.ObservedAt = t0.Add(time.Duration(i) * time.Second)
		hum.ObservedAt = temp.ObservedAt
		d.Observe(hum, r)
		res := d.Observe(temp, r)
		if i == 2 {
			assert.True(t, res.Confirmed, "humidity readings must not break the temperature run")
		}
	}
	assert.Equal(t, 2, d.Len())

	d.Reset("st-1", "temperature")
	_, ok := d.Window("st-1", "temperature")
	assert.False(t, ok)
}

func TestObserve_ZeroRequiredCountTreatedAsOne(t *testing.T) {
	d := New()
	res := d.Observe(verdict(types.LevelWarning, t0), Rule{MaxGap: time.Second})
	assert.True(t, res.Confirmed)
}

func TestObserve_RedeliveredFrameCountsOnce(t *testing.T) {
	d := New()
	var res Result
	for i := 0; i < 50; i++ {
		res = d.Observe(verdict(types.LevelCritical, frame(0)), fireRule)
	}
	assert.False(t, res.Confirmed)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 1, res.Count)
}

func TestObserve_RedeliveredLateFrameCountsOnce(t *testing.T) {
	d := New()
	d.Observe(verdict(types.LevelCritical, frame(10)), fireRule)
	d.Observe(verdict(types.LevelCritical, frame(9)), fireRule)

	res := d.Observe(verdict(types.LevelCritical, frame(9)), fireRule)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 2, res.Count)

	for i := 11; i < 20; i++ {
		d.Observe(verdict(types.LevelCritical, frame(i)), fireRule)
	}
	// Replaying the frames still within MaxLateness adds nothing.
	for i := 17; i < 20; i++ {
		res = d.Observe(verdict(types.LevelCritical, frame(i)), fireRule)
		require.Equal(t, ReasonDuplicate, res.Reason, "frame %d", i)
	}
	w, ok := d.Window("cam-1", types.ChannelVision)
	require.True(t, ok)
	assert.Equal(t, 11, w.Count)
}

func TestObserve_SameInstantInAnotherZoneIsDuplicate(t *testing.T) {
	d := New()
	d.Observe(verdict(types.LevelCritical, frame(0)), fireRule)
	res := d.Observe(verdict(types.LevelCritical, frame(0).In(time.FixedZone("PDT", -7*3600))), fireRule)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 1, res.Count)
}
