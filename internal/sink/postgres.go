package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// PostgresSink 把遥测行写入 radar_telemetry 表
type PostgresSink struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ TelemetrySink = (*PostgresSink)(nil)

// NewPostgresSink 基于已建立的连接创建写入端
func NewPostgresSink(db *sql.DB, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger}
}

// OpenPostgres 建立连接并验证可达
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const insertTelemetrySQL = `
	INSERT INTO radar_telemetry (
		radar_id, session_id, recorded_at, x, y, move_speed,
		heart_rate, breath_rate, distance, zone, product_id,
		satisfaction_score, satisfaction_class, is_engaged
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// AppendRow 插入一行遥测
func (s *PostgresSink) AppendRow(ctx context.Context, row models.UploadRow) error {
	_, err := s.db.ExecContext(ctx, insertTelemetrySQL,
		row.RadarID,
		row.SessionID,
		row.Timestamp,
		row.X,
		row.Y,
		row.MoveSpeed,
		row.HeartRate,
		row.BreathRate,
		row.Distance,
		row.Zone,
		row.ProductID,
		row.SatisfactionScore,
		row.SatisfactionClass,
		row.IsEngaged,
	)
	if err != nil {
		kind := classifyPG(err)
		s.logger.Warn("Failed to insert telemetry row",
			zap.String("radar_id", row.RadarID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return NewSinkError(kind, fmt.Errorf("failed to insert telemetry row: %w", err))
	}
	return nil
}

// classifyPG PostgreSQL 错误到分类的映射：
// class 28 认证失败，class 53 资源耗尽（连接数/磁盘）按配额处置
func classifyPG(err error) ErrorKind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28":
			return KindAuth
		case "53":
			return KindQuota
		}
		return KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}
