package models

import (
	"math"
	"time"
)

// FrameFormat 帧格式标签
type FrameFormat string

const (
	// FormatJSONMulti 单行JSON多人帧
	FormatJSONMulti FrameFormat = "json-multi"
	// FormatTextBlock 多行文本块单人帧
	FormatTextBlock FrameFormat = "text-block-single"
	// FormatSystemMessage 系统消息行（心跳、休眠通知等）
	FormatSystemMessage FrameFormat = "system-message"
)

// RawFrame 一个完整的串口遥测帧（解析后即丢弃）
type RawFrame struct {
	Text       string
	Format     FrameFormat
	ReceivedAt time.Time
}

// Measurement 单人测量数据（可选字段用指针表示缺失）
type Measurement struct {
	X            float64
	Y            float64
	Distance     float64 // 米
	MoveSpeed    float64 // cm/s
	HeartRate    *float64
	BreathRate   *float64
	TotalPhase   float64
	BreathPhase  float64
	HeartPhase   float64
	Confidence   *float64
	Stationary   bool
	DopIndex     int
	ClusterIndex int
	Timestamp    time.Time
}

// GeometricDistance 根据坐标计算与雷达的欧氏距离
func GeometricDistance(x, y float64) float64 {
	return math.Hypot(x, y)
}

// ParsedFrame 一帧的解析结果（JSON帧可包含多人，文本帧恰好一人）
type ParsedFrame struct {
	RadarID      string
	Timestamp    time.Time
	PersonCount  int
	Measurements []Measurement
}

// TrackedEntity 被跟踪的人员实体（由 PresenceTracker 独占管理）
type TrackedEntity struct {
	ID        string
	Zone      string
	Distance  float64
	X         float64
	Y         float64
	FirstSeen time.Time
	LastSeen  time.Time
}

// SessionCounters 会话计数器（进程生命周期内单调递增，仅重启时归零）
type SessionCounters struct {
	TotalDetected   int
	MaxSimultaneous int
	EntriesCount    int
	ExitsCount      int
}

// UploadRow 上传行（与 sink 的列契约一一对应，见 sink 包）
type UploadRow struct {
	RadarID           string
	SessionID         string
	Timestamp         time.Time
	X                 float64
	Y                 float64
	MoveSpeed         float64
	HeartRate         *float64
	BreathRate        *float64
	Distance          float64
	Zone              string
	ProductID         string
	SatisfactionScore *float64
	SatisfactionClass string
	IsEngaged         bool
}
