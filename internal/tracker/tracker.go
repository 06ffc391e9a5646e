package tracker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// Config 在场跟踪器配置
type Config struct {
	// DistanceTolerance 同区域内两次观测视为同一人的距离容差（米）
	DistanceTolerance float64
	// ExitTimeout 超过该时长未见即判定离开
	ExitTimeout time.Duration
	// ReentryWindow 离开后该时长内回到同区域视为同一人回归，不重复计数
	ReentryWindow time.Duration
}

// DefaultConfig 默认跟踪器配置
func DefaultConfig() Config {
	return Config{
		DistanceTolerance: 0.3,
		ExitTimeout:       30 * time.Second,
		ReentryWindow:     2 * time.Second,
	}
}

// Detection 单帧内的一次人员观测
type Detection struct {
	Zone     string
	Distance float64
	X        float64
	Y        float64
}

// Events 一次 Update 产生的进出事件
type Events struct {
	Entries []models.TrackedEntity
	Exits   []models.TrackedEntity
}

// departed 保存离开后仍在回归窗口内的实体
type departed struct {
	entity models.TrackedEntity
	leftAt time.Time
}

// Tracker 基于区域+距离匹配的在场跟踪器。单协程使用，由调用方串行化。
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	active   map[string]*models.TrackedEntity
	recent   map[string]departed
	counters models.SessionCounters
	seq      int
}

// NewTracker 创建跟踪器
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*models.TrackedEntity),
		recent: make(map[string]departed),
	}
}

// Update 吸收一帧观测并返回进出事件。
// 匹配规则：同区域且距离差在容差内即同一人；一次更新内一个实体最多匹配一个观测。
func (t *Tracker) Update(detections []Detection, now time.Time) Events {
	var events Events

	claimed := make(map[string]bool, len(detections))

	// 1. 先把观测匹配到在场实体，刷新最后可见时间
	for _, d := range detections {
		if id := t.matchActive(d, claimed); id != "" {
			entity := t.active[id]
			entity.Zone = d.Zone
			entity.Distance = d.Distance
			entity.X = d.X
			entity.Y = d.Y
			entity.LastSeen = now
			claimed[id] = true
			continue
		}

		// 2. 回归窗口：刚离开的人回到同区域不算新进入
		if id := t.matchRecent(d, now); id != "" {
			dep := t.recent[id]
			delete(t.recent, id)
			entity := dep.entity
			entity.Zone = d.Zone
			entity.Distance = d.Distance
			entity.X = d.X
			entity.Y = d.Y
			entity.LastSeen = now
			t.active[entity.ID] = &entity
			claimed[entity.ID] = true
			t.logger.Debug("Entity re-entered within reentry window",
				zap.String("entity_id", entity.ID),
				zap.String("zone", d.Zone),
			)
			continue
		}

		// 3. 新实体：计入进入事件与会话计数
		entity := t.newEntity(d, now)
		t.active[entity.ID] = entity
		claimed[entity.ID] = true
		t.counters.TotalDetected++
		t.counters.EntriesCount++
		events.Entries = append(events.Entries, *entity)
		t.logger.Info("Entity entered",
			zap.String("entity_id", entity.ID),
			zap.String("zone", entity.Zone),
			zap.Float64("distance", entity.Distance),
		)
	}

	// 4. 超时未见的实体判定离开
	for id, entity := range t.active {
		if now.Sub(entity.LastSeen) > t.cfg.ExitTimeout {
			delete(t.active, id)
			t.recent[id] = departed{entity: *entity, leftAt: now}
			t.counters.ExitsCount++
			events.Exits = append(events.Exits, *entity)
			t.logger.Info("Entity exited",
				zap.String("entity_id", id),
				zap.String("zone", entity.Zone),
				zap.Duration("dwell", entity.LastSeen.Sub(entity.FirstSeen)),
			)
		}
	}

	// 5. 清理回归窗口之外的离开记录
	for id, dep := range t.recent {
		if now.Sub(dep.leftAt) > t.cfg.ReentryWindow {
			delete(t.recent, id)
		}
	}

	if n := len(t.active); n > t.counters.MaxSimultaneous {
		t.counters.MaxSimultaneous = n
	}

	return events
}

// matchActive 返回匹配到的在场实体 ID，无匹配返回空串
func (t *Tracker) matchActive(d Detection, claimed map[string]bool) string {
	bestID := ""
	bestDiff := t.cfg.DistanceTolerance
	for id, entity := range t.active {
		if claimed[id] || entity.Zone != d.Zone {
			continue
		}
		diff := absDiff(entity.Distance, d.Distance)
		if diff <= bestDiff {
			bestID = id
			bestDiff = diff
		}
	}
	return bestID
}

// matchRecent 在回归窗口内按同区域+容差匹配刚离开的实体。
// 时钟回拨产生的负向间隔不视为窗口内。
func (t *Tracker) matchRecent(d Detection, now time.Time) string {
	for id, dep := range t.recent {
		elapsed := now.Sub(dep.leftAt)
		if elapsed < 0 || elapsed > t.cfg.ReentryWindow {
			continue
		}
		if dep.entity.Zone != d.Zone {
			continue
		}
		if absDiff(dep.entity.Distance, d.Distance) <= t.cfg.DistanceTolerance {
			return id
		}
	}
	return ""
}

func (t *Tracker) newEntity(d Detection, now time.Time) *models.TrackedEntity {
	id := fmt.Sprintf("P_%s_%.1f_%.1f", d.Zone, d.X, d.Y)
	if _, exists := t.active[id]; exists {
		t.seq++
		id = fmt.Sprintf("%s_%d", id, t.seq)
	}
	return &models.TrackedEntity{
		ID:        id,
		Zone:      d.Zone,
		Distance:  d.Distance,
		X:         d.X,
		Y:         d.Y,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// ActiveCount 当前在场人数
func (t *Tracker) ActiveCount() int {
	return len(t.active)
}

// Counters 会话累计计数的快照
func (t *Tracker) Counters() models.SessionCounters {
	return t.counters
}

// Reset 清空在场状态与计数（新会话开始时调用）
func (t *Tracker) Reset() {
	t.active = make(map[string]*models.TrackedEntity)
	t.recent = make(map[string]departed)
	t.counters = models.SessionCounters{}
	t.seq = 0
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
