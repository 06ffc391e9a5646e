package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// DefaultStream 实时遥测的 Redis Stream 名
const DefaultStream = "radar:data:stream"

// RealtimePublisher 把每条上传行同步发布到 Redis Streams，
// 供实时看板等下游消费。发布失败不阻塞主管道。
type RealtimePublisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewRealtimePublisher 创建发布器
func NewRealtimePublisher(client *redis.Client, stream string, logger *zap.Logger) *RealtimePublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RealtimePublisher{client: client, stream: stream, logger: logger}
}

// streamPayload 流消息的线格式
type streamPayload struct {
	RadarID           string   `json:"radar_id"`
	SessionID         string   `json:"session_id"`
	Timestamp         int64    `json:"timestamp"`
	X                 float64  `json:"x"`
	Y                 float64  `json:"y"`
	Distance          float64  `json:"distance"`
	MoveSpeed         float64  `json:"move_speed"`
	HeartRate         *float64 `json:"heart_rate,omitempty"`
	BreathRate        *float64 `json:"breath_rate,omitempty"`
	Zone              string   `json:"zone"`
	SatisfactionScore *float64 `json:"satisfaction_score,omitempty"`
	SatisfactionClass string   `json:"satisfaction_class,omitempty"`
	IsEngaged         bool     `json:"is_engaged"`
}

// Publish 发布一行遥测到流，返回消息 ID
func (p *RealtimePublisher) Publish(ctx context.Context, row models.UploadRow) (string, error) {
	payload := streamPayload{
		RadarID:           row.RadarID,
		SessionID:         row.SessionID,
		Timestamp:         row.Timestamp.Unix(),
		X:                 row.X,
		Y:                 row.Y,
		Distance:          row.Distance,
		MoveSpeed:         row.MoveSpeed,
		HeartRate:         row.HeartRate,
		BreathRate:        row.BreathRate,
		Zone:              row.Zone,
		SatisfactionScore: row.SatisfactionScore,
		SatisfactionClass: row.SatisfactionClass,
		IsEngaged:         row.IsEngaged,
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream: %w", err)
	}

	p.logger.Debug("Published telemetry to Redis Streams",
		zap.String("stream", p.stream),
		zap.String("stream_id", id),
		zap.String("radar_id", row.RadarID),
	)
	return id, nil
}
