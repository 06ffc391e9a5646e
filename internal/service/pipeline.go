package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rasp-beluga/internal/analytics"
	"rasp-beluga/internal/models"
	"rasp-beluga/internal/parser"
	"rasp-beluga/internal/publisher"
	"rasp-beluga/internal/tracker"
	"rasp-beluga/internal/uploader"
	"rasp-beluga/internal/vitals"
	"rasp-beluga/internal/zones"
)

// PipelineConfig 单设备管道配置
type PipelineConfig struct {
	RadarID string
	// SessionTimeout 无数据超过该时长后视为新访客会话
	SessionTimeout time.Duration
	// PositionJump 相邻帧位置跳变超过该距离（米）视为换人
	PositionJump float64
	// SpeedJump 相邻帧速度跳变超过该值（cm/s）视为换人
	SpeedJump float64
}

// Pipeline 单设备处理管道：帧 -> 测量 -> 区域 -> 跟踪 -> 生命体征 ->
// 满意度 -> 上传行。每台雷达独占一个实例，持有自己的全部状态。
type Pipeline struct {
	cfg    PipelineConfig
	logger *zap.Logger

	parser     *parser.Parser
	classifier *zones.Classifier
	tracker    *tracker.Tracker
	estimator  *vitals.Estimator
	scorer     *analytics.Scorer
	engagement analytics.EngagementConfig
	buffer     *uploader.Buffer
	publisher  *publisher.RealtimePublisher // 可为 nil

	sessionID   string
	lastFrameAt time.Time
	lastX       float64
	lastY       float64
	lastSpeed   float64
	hadPresence bool

	framesHandled int64
	rowsProduced  int64
}

// NewPipeline 组装一条设备管道；publisher 可为 nil（不启用实时流）
func NewPipeline(
	cfg PipelineConfig,
	p *parser.Parser,
	classifier *zones.Classifier,
	tr *tracker.Tracker,
	estimator *vitals.Estimator,
	scorer *analytics.Scorer,
	engagement analytics.EngagementConfig,
	buffer *uploader.Buffer,
	pub *publisher.RealtimePublisher,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		logger:     logger.With(zap.String("radar_id", cfg.RadarID)),
		parser:     p,
		classifier: classifier,
		tracker:    tr,
		estimator:  estimator,
		scorer:     scorer,
		engagement: engagement,
		buffer:     buffer,
		publisher:  pub,
	}
}

// HandleFrame 处理一帧原始数据。解析失败只计数不致命。
func (p *Pipeline) HandleFrame(ctx context.Context, frame models.RawFrame) {
	parsed, err := p.parser.Parse(frame)
	if err != nil {
		return
	}
	p.framesHandled++

	// 跟踪/会话/发送一律用主机时钟：设备时钟可能落后或是开机毫秒数，
	// 混用会把在场人员误判为离场。设备时间只进上传行。
	now := frame.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	rowTime := parsed.Timestamp
	if rowTime.IsZero() {
		rowTime = now
	}

	if len(parsed.Measurements) > 0 {
		p.refreshSession(&parsed.Measurements[0], now)
		p.hadPresence = true
	}

	// 1. 区域归类，驱动在场跟踪
	detections := make([]tracker.Detection, 0, len(parsed.Measurements))
	measurementZones := make([]string, len(parsed.Measurements))
	for i := range parsed.Measurements {
		m := &parsed.Measurements[i]
		zone := p.classifier.Classify(m.X, m.Y)
		measurementZones[i] = zone
		detections = append(detections, tracker.Detection{
			Zone:     zone,
			Distance: m.Distance,
			X:        m.X,
			Y:        m.Y,
		})
	}
	p.tracker.Update(detections, now)

	// 2. 逐条测量产出上传行
	for i := range parsed.Measurements {
		m := &parsed.Measurements[i]
		row := p.buildRow(m, measurementZones[i], rowTime)
		p.emitRow(ctx, row)
	}

	p.buffer.Flush(ctx, now)
}

// buildRow 生命体征估计、满意度打分并组装上传行。rowTime 是设备侧时间戳。
func (p *Pipeline) buildRow(m *models.Measurement, zone string, rowTime time.Time) models.UploadRow {
	// 帧里没有现成读数时，尝试用相位信号做频域估计
	if (m.HeartRate == nil || m.BreathRate == nil) && (m.HeartPhase != 0 || m.BreathPhase != 0) {
		heart, breath := p.estimator.Update(m.HeartPhase, m.BreathPhase, m.Distance)
		if m.HeartRate == nil && heart != nil {
			m.HeartRate = heart
		}
		if m.BreathRate == nil && breath != nil {
			m.BreathRate = breath
		}
	}

	// 打分用真实读数：缺失就得中性分，不能被默认值伪装成正常体征
	score, class := p.scorer.Score(m.MoveSpeed, m.HeartRate, m.BreathRate, m.Distance)

	engagedZone := zone
	if zone == zones.OutOfRange {
		engagedZone = ""
	}
	engaged := analytics.IsEngaged(p.engagement, engagedZone, m.Distance, m.MoveSpeed)

	// 上传列的默认值填充放在打分之后
	parser.FillVitalDefaults(m)

	return models.UploadRow{
		RadarID:           p.cfg.RadarID,
		SessionID:         p.sessionID,
		Timestamp:         rowTime,
		X:                 m.X,
		Y:                 m.Y,
		MoveSpeed:         m.MoveSpeed,
		HeartRate:         m.HeartRate,
		BreathRate:        m.BreathRate,
		Distance:          m.Distance,
		Zone:              zone,
		ProductID:         p.classifier.ProductID(zone),
		SatisfactionScore: &score,
		SatisfactionClass: class,
		IsEngaged:         engaged,
	}
}

func (p *Pipeline) emitRow(ctx context.Context, row models.UploadRow) {
	p.buffer.Enqueue(row)
	p.rowsProduced++

	if p.publisher != nil {
		if _, err := p.publisher.Publish(ctx, row); err != nil {
			p.logger.Warn("Realtime publish failed", zap.Error(err))
		}
	}
}

// refreshSession 会话启发式：超时、位置跳变或速度跳变都视为新访客
func (p *Pipeline) refreshSession(m *models.Measurement, now time.Time) {
	reason := ""
	switch {
	case p.sessionID == "":
		reason = "first frame"
	case now.Sub(p.lastFrameAt) > p.cfg.SessionTimeout:
		reason = "session timeout"
	case math.Hypot(m.X-p.lastX, m.Y-p.lastY) > p.cfg.PositionJump:
		reason = "position jump"
	case math.Abs(m.MoveSpeed-p.lastSpeed) > p.cfg.SpeedJump:
		reason = "speed jump"
	}

	if reason != "" {
		p.sessionID = uuid.NewString()[:8]
		p.logger.Info("New visitor session",
			zap.String("session_id", p.sessionID),
			zap.String("reason", reason),
		)
	}

	p.lastFrameAt = now
	p.lastX = m.X
	p.lastY = m.Y
	p.lastSpeed = m.MoveSpeed
}

// Tick 周期性驱动：离场超时检测、区域清空时的零状态行、到期发送
func (p *Pipeline) Tick(ctx context.Context, now time.Time) {
	events := p.tracker.Update(nil, now)

	if len(events.Exits) > 0 && p.tracker.ActiveCount() == 0 && p.hadPresence {
		p.emitRow(ctx, p.zeroRow(now))
		p.hadPresence = false
		p.logger.Info("Area empty, emitted zero-state row",
			zap.String("session_id", p.sessionID),
		)
	}

	p.buffer.Flush(ctx, now)
}

// ZoneEmpty 区域清空标记
const ZoneEmpty = "VAZIA"

// zeroRow 区域清空的标记行：数值全零、无体征
func (p *Pipeline) zeroRow(now time.Time) models.UploadRow {
	return models.UploadRow{
		RadarID:   p.cfg.RadarID,
		SessionID: p.sessionID,
		Timestamp: now,
		Zone:      ZoneEmpty,
	}
}

// Stats 管道运行统计
func (p *Pipeline) Stats() (framesHandled, rowsProduced, parseFailures int64, pending int) {
	return p.framesHandled, p.rowsProduced, p.parser.FailureCount(), p.buffer.Pending()
}
