package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// ErrParseFailure 帧不匹配任何已知形态（丢弃并计数，绝不致命）
var ErrParseFailure = errors.New("frame parse failure")

// 生命体征缺失时的默认值
const (
	DefaultHeartRate  = 75.0
	DefaultBreathRate = 15.0
)

// 文本块字段的正则表（与桥接固件的输出逐字对应）
var (
	reXPoint       = regexp.MustCompile(`(?i)x_point\s*:\s*([-+]?\d*\.?\d+)`)
	reYPoint       = regexp.MustCompile(`(?i)y_point\s*:\s*([-+]?\d*\.?\d+)`)
	reXPosition    = regexp.MustCompile(`(?i)x_position\s*:\s*([-+]?\d*\.?\d+)`)
	reYPosition    = regexp.MustCompile(`(?i)y_position\s*:\s*([-+]?\d*\.?\d+)`)
	reBreathRate   = regexp.MustCompile(`(?i)breath_rate\s*:\s*([-+]?\d*\.?\d+)`)
	reHeartRate    = regexp.MustCompile(`(?i)heart_rate\s*:\s*([-+]?\d*\.?\d+)`)
	reDistance     = regexp.MustCompile(`(?i)distance\s*:\s*([-+]?\d*\.?\d+)`)
	reMoveSpeed    = regexp.MustCompile(`(?i)move_speed\s*:\s*([-+]?\d*\.?\d+)\s*cm/s`)
	reDopIndex     = regexp.MustCompile(`(?i)dop_index\s*:\s*([-+]?\d+)`)
	reClusterIndex = regexp.MustCompile(`(?i)cluster_index\s*:\s*(\d+)`)
	reTotalPhase   = regexp.MustCompile(`(?i)total_phase\s*:\s*([-+]?\d*\.?\d+)`)
	reBreathPhase  = regexp.MustCompile(`(?i)breath_phase\s*:\s*([-+]?\d*\.?\d+)`)
	reHeartPhase   = regexp.MustCompile(`(?i)heart_phase\s*:\s*([-+]?\d*\.?\d+)`)
)

// Config 解析器配置
type Config struct {
	// DistanceTolerance 传感器上报距离与几何距离的容差（米）。
	// 上报值缺失、非正或偏离几何值超过容差时采用几何值。
	DistanceTolerance float64
	// TrustSensorDistance 为 true 时传感器上报距离优先，仅在缺失/非正时回退几何值
	TrustSensorDistance bool
}

// DefaultConfig 默认解析器配置
func DefaultConfig() Config {
	return Config{DistanceTolerance: 0.3, TrustSensorDistance: false}
}

// Parser 帧解析器：只支持已知的两种帧形态
type Parser struct {
	cfg    Config
	logger *zap.Logger

	failureCount int64
}

// NewParser 创建帧解析器
func NewParser(cfg Config, logger *zap.Logger) *Parser {
	return &Parser{cfg: cfg, logger: logger}
}

// FailureCount 累计解析失败数
func (p *Parser) FailureCount() int64 {
	return p.failureCount
}

// Parse 解析一帧；JSON帧可产出多条测量，文本帧恰好一条
func (p *Parser) Parse(frame models.RawFrame) (*models.ParsedFrame, error) {
	var parsed *models.ParsedFrame
	var err error

	switch frame.Format {
	case models.FormatJSONMulti:
		parsed, err = p.parseJSON(frame)
	case models.FormatTextBlock:
		parsed, err = p.parseTextBlock(frame)
	default:
		err = fmt.Errorf("%w: unsupported frame format %q", ErrParseFailure, frame.Format)
	}

	if err != nil {
		p.failureCount++
		p.logger.Warn("Dropped unparseable frame",
			zap.String("format", string(frame.Format)),
			zap.Error(err),
		)
		return nil, err
	}
	return parsed, nil
}

// jsonFrame JSON多人帧的线格式
type jsonFrame struct {
	RadarID         string       `json:"radar_id"`
	TimestampMs     int64        `json:"timestamp_ms"`
	PersonCount     int          `json:"person_count"`
	ActivePeople    []jsonPerson `json:"active_people"`
	TotalDetected   *int         `json:"total_detected"`
	MaxSimultaneous *int         `json:"max_simultaneous"`
}

type jsonPerson struct {
	XPos             *float64 `json:"x_pos"`
	YPos             *float64 `json:"y_pos"`
	DistanceRaw      *float64 `json:"distance_raw"`
	DistanceSmoothed *float64 `json:"distance_smoothed"`
	Confidence       *float64 `json:"confidence"`
	Stationary       *bool    `json:"stationary"`
}

func (p *Parser) parseJSON(frame models.RawFrame) (*models.ParsedFrame, error) {
	var jf jsonFrame
	if err := json.Unmarshal([]byte(frame.Text), &jf); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrParseFailure, err)
	}
	if jf.ActivePeople == nil {
		return nil, fmt.Errorf("%w: json frame without active_people", ErrParseFailure)
	}

	ts := frame.ReceivedAt
	if jf.TimestampMs > 0 {
		ts = time.UnixMilli(jf.TimestampMs)
	}

	parsed := &models.ParsedFrame{
		RadarID:     jf.RadarID,
		Timestamp:   ts,
		PersonCount: jf.PersonCount,
	}

	for i := range jf.ActivePeople {
		person := &jf.ActivePeople[i]
		if person.XPos == nil || person.YPos == nil {
			return nil, fmt.Errorf("%w: person %d missing x_pos/y_pos", ErrParseFailure, i)
		}
		x, y := *person.XPos, *person.YPos

		// smoothed 优先于 raw，都无效时用几何距离
		var reported *float64
		if person.DistanceSmoothed != nil && *person.DistanceSmoothed > 0 {
			reported = person.DistanceSmoothed
		} else if person.DistanceRaw != nil && *person.DistanceRaw > 0 {
			reported = person.DistanceRaw
		}

		m := models.Measurement{
			X:         x,
			Y:         y,
			Distance:  p.resolveDistance(reported, x, y),
			Timestamp: ts,
		}
		if person.Confidence != nil {
			m.Confidence = person.Confidence
		}
		if person.Stationary != nil {
			m.Stationary = *person.Stationary
		}
		parsed.Measurements = append(parsed.Measurements, m)
	}
	return parsed, nil
}

func (p *Parser) parseTextBlock(frame models.RawFrame) (*models.ParsedFrame, error) {
	text := frame.Text

	// 每个坐标轴独立回退：*_point 优先于 *_position
	x, xOK := matchFloat(reXPoint, text)
	if !xOK {
		x, xOK = matchFloat(reXPosition, text)
	}
	y, yOK := matchFloat(reYPoint, text)
	if !yOK {
		y, yOK = matchFloat(reYPosition, text)
	}
	if !xOK || !yOK {
		return nil, fmt.Errorf("%w: text block missing position pair", ErrParseFailure)
	}

	m := models.Measurement{
		X:         x,
		Y:         y,
		Timestamp: frame.ReceivedAt,
	}

	if v, ok := matchFloat(reMoveSpeed, text); ok {
		m.MoveSpeed = v
	}
	if v, ok := matchFloat(reHeartRate, text); ok {
		hr := v
		m.HeartRate = &hr
	}
	if v, ok := matchFloat(reBreathRate, text); ok {
		br := v
		m.BreathRate = &br
	}
	if v, ok := matchFloat(reTotalPhase, text); ok {
		m.TotalPhase = v
	}
	if v, ok := matchFloat(reBreathPhase, text); ok {
		m.BreathPhase = v
	}
	if v, ok := matchFloat(reHeartPhase, text); ok {
		m.HeartPhase = v
	}
	if v, ok := matchInt(reDopIndex, text); ok {
		m.DopIndex = v
	}
	if v, ok := matchInt(reClusterIndex, text); ok {
		m.ClusterIndex = v
	}

	var reported *float64
	if v, ok := matchFloat(reDistance, text); ok && v > 0 {
		reported = &v
	}
	m.Distance = p.resolveDistance(reported, x, y)

	return &models.ParsedFrame{
		Timestamp:    frame.ReceivedAt,
		PersonCount:  1,
		Measurements: []models.Measurement{m},
	}, nil
}

// resolveDistance 距离信任策略：传感器上报值是参考值而非权威值。
// 缺失或非正时一律用几何距离；非信任模式下与几何距离偏差超过容差也改用几何距离。
func (p *Parser) resolveDistance(reported *float64, x, y float64) float64 {
	geometric := models.GeometricDistance(x, y)
	if reported == nil {
		return geometric
	}
	if p.cfg.TrustSensorDistance {
		return *reported
	}
	if math.Abs(*reported-geometric) > p.cfg.DistanceTolerance {
		return geometric
	}
	return *reported
}

func matchFloat(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func matchInt(re *regexp.Regexp, text string) (int, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// FillVitalDefaults 单一的默认值填充步骤：帧能解析但缺生命体征时使用文档化默认值
func FillVitalDefaults(m *models.Measurement) {
	if m.HeartRate == nil {
		hr := DefaultHeartRate
		m.HeartRate = &hr
	}
	if m.BreathRate == nil {
		br := DefaultBreathRate
		m.BreathRate = &br
	}
}
