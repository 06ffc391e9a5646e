package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker() *Tracker {
	return NewTracker(DefaultConfig(), zap.NewNop())
}

func TestUpdate_NearbyObservationsAreSamePerson(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	ev := tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.50, X: 1.0, Y: 1.1}}, now)
	require.Len(t, ev.Entries, 1)

	// 同区域，1.50 -> 1.65 差 0.15 < 容差 0.3：同一人，无新进入
	ev = tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.65, X: 1.1, Y: 1.2}}, now.Add(time.Second))
	assert.Empty(t, ev.Entries)
	assert.Empty(t, ev.Exits)
	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 1, tr.Counters().TotalDetected)
}

func TestUpdate_DifferentZoneIsNewEntity(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now)
	ev := tr.Update([]Detection{{Zone: "SECAO_2", Distance: 1.5}}, now.Add(time.Second))

	require.Len(t, ev.Entries, 1)
	assert.Equal(t, 2, tr.ActiveCount())
	assert.Equal(t, 2, tr.Counters().TotalDetected)
}

func TestUpdate_DistanceBeyondToleranceIsNewEntity(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.0}}, now)
	ev := tr.Update([]Detection{
		{Zone: "SECAO_1", Distance: 1.1},
		{Zone: "SECAO_1", Distance: 2.5},
	}, now.Add(time.Second))

	require.Len(t, ev.Entries, 1)
	assert.Equal(t, 2, tr.ActiveCount())
	assert.Equal(t, 2, tr.Counters().MaxSimultaneous)
}

func TestUpdate_ExitAfterTimeout(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now)

	// 未超时：不产生离开
	ev := tr.Update(nil, now.Add(29*time.Second))
	assert.Empty(t, ev.Exits)
	assert.Equal(t, 1, tr.ActiveCount())

	// 超时：恰好一个离开事件，实体被移除
	ev = tr.Update(nil, now.Add(31*time.Second))
	require.Len(t, ev.Exits, 1)
	assert.Equal(t, "SECAO_1", ev.Exits[0].Zone)
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Equal(t, 1, tr.Counters().ExitsCount)

	// 再次更新不重复产生离开
	ev = tr.Update(nil, now.Add(40*time.Second))
	assert.Empty(t, ev.Exits)
	assert.Equal(t, 1, tr.Counters().ExitsCount)
}

func TestUpdate_ReentryWithinWindowNotDoubleCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExitTimeout = 5 * time.Second
	cfg.ReentryWindow = 2 * time.Second
	tr := NewTracker(cfg, zap.NewNop())
	now := time.Now()

	ev := tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now)
	firstSeen := ev.Entries[0].FirstSeen

	ev = tr.Update(nil, now.Add(6*time.Second))
	require.Len(t, ev.Exits, 1)

	// 回归窗口内回到同区域：不算新进入，保留原 FirstSeen
	ev = tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.6}}, now.Add(7*time.Second))
	assert.Empty(t, ev.Entries)
	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 1, tr.Counters().TotalDetected)
	assert.Equal(t, 1, tr.Counters().EntriesCount)

	for _, e := range tr.active {
		assert.Equal(t, firstSeen, e.FirstSeen)
	}
}

func TestUpdate_ReentryAfterWindowIsNewEntity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExitTimeout = 5 * time.Second
	cfg.ReentryWindow = 2 * time.Second
	tr := NewTracker(cfg, zap.NewNop())
	now := time.Now()

	tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now)
	tr.Update(nil, now.Add(6*time.Second))

	// 窗口已过：按新实体计
	ev := tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now.Add(9*time.Second))
	require.Len(t, ev.Entries, 1)
	assert.Equal(t, 2, tr.Counters().TotalDetected)
	assert.Equal(t, 2, tr.Counters().EntriesCount)
}

func TestUpdate_MaxSimultaneousTracksPeak(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.Update([]Detection{
		{Zone: "SECAO_1", Distance: 1.0},
		{Zone: "SECAO_2", Distance: 2.0},
		{Zone: "SECAO_3", Distance: 3.0},
	}, now)
	assert.Equal(t, 3, tr.Counters().MaxSimultaneous)

	// 人数回落不影响峰值
	cfg := tr.cfg
	tr.Update(nil, now.Add(cfg.ExitTimeout+time.Second))
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Equal(t, 3, tr.Counters().MaxSimultaneous)
}

func TestReset_ClearsStateAndCounters(t *testing.T) {
	tr := newTestTracker()
	tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.0}}, time.Now())

	tr.Reset()
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Equal(t, 0, tr.Counters().TotalDetected)
}

func TestUpdate_ClockRewindDoesNotReattach(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now)
	ev := tr.Update(nil, now.Add(40*time.Second))
	require.Len(t, ev.Exits, 1)

	// 时钟回拨：观测时间早于离开时间，负向间隔不算回归窗口内，按新进入计
	ev = tr.Update([]Detection{{Zone: "SECAO_1", Distance: 1.5}}, now.Add(39*time.Second))
	require.Len(t, ev.Entries, 1)
	assert.Equal(t, 2, tr.Counters().EntriesCount)
	assert.Equal(t, 2, tr.Counters().TotalDetected)
}
