package uploader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rasp-beluga/internal/models"
	"rasp-beluga/internal/sink"
)

// Config 上传缓冲配置
type Config struct {
	// FlushInterval 两次发送之间的最小间隔
	FlushInterval time.Duration
	// MaxFlushInterval 配额退避的间隔上限
	MaxFlushInterval time.Duration
	// BatchCap 缓冲达到该行数时绕过间隔立即发送
	BatchCap int
	// MaxRowsPerFlush 单次发送的行数上限
	MaxRowsPerFlush int
	// RowDelay 相邻两行之间的写入间隔（对端限速）
	RowDelay time.Duration
	// PendingCap 缓冲行数上限，超过时丢弃最旧的行；0 表示不设上限。
	// 长时间落地端故障下牺牲最旧数据换取内存有界。
	PendingCap int
}

// DefaultConfig 默认上传配置
func DefaultConfig() Config {
	return Config{
		FlushInterval:    30 * time.Second,
		MaxFlushInterval: 300 * time.Second,
		BatchCap:         10,
		MaxRowsPerFlush:  10,
		RowDelay:         300 * time.Millisecond,
		PendingCap:       1000,
	}
}

// Buffer 带速率控制的上传缓冲。行只在确认写入成功后移除，
// 失败行留在缓冲内等待下一轮。
type Buffer struct {
	cfg    Config
	sink   sink.TelemetrySink
	logger *zap.Logger

	// sleep 可注入，测试时替换以消除真实等待
	sleep func(ctx context.Context, d time.Duration)

	mu            sync.Mutex
	rows          []models.UploadRow
	flushInterval time.Duration
	lastFlush     time.Time
}

// NewBuffer 创建上传缓冲
func NewBuffer(cfg Config, s sink.TelemetrySink, logger *zap.Logger) *Buffer {
	return &Buffer{
		cfg:           cfg,
		sink:          s,
		logger:        logger,
		sleep:         sleepCtx,
		flushInterval: cfg.FlushInterval,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Enqueue 追加一行待上传数据；缓冲到达上限时丢弃最旧的行
func (b *Buffer) Enqueue(row models.UploadRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, row)
	if b.cfg.PendingCap > 0 && len(b.rows) > b.cfg.PendingCap {
		dropped := len(b.rows) - b.cfg.PendingCap
		b.rows = append(b.rows[:0], b.rows[dropped:]...)
		b.logger.Warn("Upload buffer full, dropped oldest rows",
			zap.Int("dropped", dropped),
			zap.Int("pending_cap", b.cfg.PendingCap),
		)
	}
}

// Pending 当前缓冲行数
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// FlushInterval 当前生效的发送间隔（配额退避后会增长）
func (b *Buffer) FlushInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushInterval
}

// ResetInterval 恢复配置的基础间隔（例如跨天配额重置后）
func (b *Buffer) ResetInterval() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushInterval = b.cfg.FlushInterval
}

// Flush 尝试发送一批数据，返回成功写入的行数。
// 发送条件：距上次发送超过当前间隔，或缓冲行数达到 BatchCap。
func (b *Buffer) Flush(ctx context.Context, now time.Time) int {
	b.mu.Lock()
	if len(b.rows) == 0 {
		b.mu.Unlock()
		return 0
	}
	intervalElapsed := b.lastFlush.IsZero() || now.Sub(b.lastFlush) >= b.flushInterval
	batchFull := len(b.rows) >= b.cfg.BatchCap
	if !intervalElapsed && !batchFull {
		b.mu.Unlock()
		return 0
	}

	b.lastFlush = now
	batch := len(b.rows)
	if batch > b.cfg.MaxRowsPerFlush {
		batch = b.cfg.MaxRowsPerFlush
	}
	pending := len(b.rows)
	b.mu.Unlock()

	b.logger.Debug("Flushing upload buffer",
		zap.Int("pending", pending),
		zap.Int("batch", batch),
		zap.Bool("batch_full", batchFull),
	)

	sent := 0
	for i := 0; i < batch; i++ {
		if ctx.Err() != nil {
			break
		}
		if sent > 0 {
			b.sleep(ctx, b.cfg.RowDelay)
		}

		b.mu.Lock()
		if len(b.rows) == 0 {
			b.mu.Unlock()
			break
		}
		row := b.rows[0]
		b.mu.Unlock()

		if err := b.sink.AppendRow(ctx, row); err != nil {
			b.handleSendError(ctx, err)
			break
		}

		b.mu.Lock()
		b.rows = b.rows[1:]
		b.mu.Unlock()
		sent++
	}

	if sent > 0 {
		b.logger.Info("Uploaded telemetry rows",
			zap.Int("sent", sent),
			zap.Int("remaining", b.Pending()),
		)
	}
	return sent
}

// handleSendError 按错误分类处置；失败行一律保留，本轮发送终止
func (b *Buffer) handleSendError(ctx context.Context, err error) {
	kind := sink.KindOf(err)
	switch kind {
	case sink.KindQuota:
		// 配额耗尽：退避，间隔翻倍但只增不减
		b.mu.Lock()
		next := b.flushInterval * 2
		if next > b.cfg.MaxFlushInterval {
			next = b.cfg.MaxFlushInterval
		}
		if next > b.flushInterval {
			b.flushInterval = next
		}
		interval := b.flushInterval
		b.mu.Unlock()
		b.logger.Warn("Upload quota exhausted, backing off",
			zap.Duration("flush_interval", interval),
			zap.Error(err),
		)

	case sink.KindAuth:
		if ra, ok := b.sink.(sink.Reauthenticator); ok {
			if raErr := ra.Reauthenticate(ctx); raErr != nil {
				b.logger.Error("Reauthentication failed", zap.Error(raErr))
			} else {
				b.logger.Info("Reauthenticated after auth error")
			}
		}

	default:
		b.logger.Warn("Upload failed, rows retained",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
