package uploader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
	"rasp-beluga/internal/sink"
)

// fakeSink 可编程的写入端：按行下标返回预设错误
type fakeSink struct {
	appended []models.UploadRow
	failAt   map[int]error
	calls    int
	reauths  int
}

func (f *fakeSink) AppendRow(ctx context.Context, row models.UploadRow) error {
	idx := f.calls
	f.calls++
	if err, ok := f.failAt[idx]; ok {
		return err
	}
	f.appended = append(f.appended, row)
	return nil
}

func (f *fakeSink) Reauthenticate(ctx context.Context) error {
	f.reauths++
	return nil
}

func newTestBuffer(s sink.TelemetrySink) *Buffer {
	b := NewBuffer(DefaultConfig(), s, zap.NewNop())
	b.sleep = func(ctx context.Context, d time.Duration) {}
	return b
}

func enqueueN(b *Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Enqueue(models.UploadRow{RadarID: "RADAR_1", SessionID: fmt.Sprintf("row-%d", i)})
	}
}

func TestFlush_IntervalNotElapsedAndBatchNotFull(t *testing.T) {
	fs := &fakeSink{}
	b := newTestBuffer(fs)
	now := time.Now()

	enqueueN(b, 3)
	require.Equal(t, 3, b.Flush(context.Background(), now))

	// 刚发送过且不足 10 行：不发送
	b.Enqueue(models.UploadRow{})
	assert.Equal(t, 0, b.Flush(context.Background(), now.Add(5*time.Second)))
	assert.Equal(t, 1, b.Pending())

	// 间隔已过：发送
	assert.Equal(t, 1, b.Flush(context.Background(), now.Add(31*time.Second)))
}

func TestFlush_FullBatchBypassesInterval(t *testing.T) {
	fs := &fakeSink{}
	b := newTestBuffer(fs)
	now := time.Now()

	enqueueN(b, 3)
	require.Equal(t, 3, b.Flush(context.Background(), now))

	// 间隔未到但缓冲满 12 行：立即发送，单次上限 10，剩 2
	enqueueN(b, 12)
	sent := b.Flush(context.Background(), now.Add(time.Second))
	assert.Equal(t, 10, sent)
	assert.Equal(t, 2, b.Pending())
	assert.Len(t, fs.appended, 13)
}

func TestFlush_OldestRowsFirst(t *testing.T) {
	fs := &fakeSink{}
	b := newTestBuffer(fs)

	enqueueN(b, 12)
	b.Flush(context.Background(), time.Now())

	require.Len(t, fs.appended, 10)
	assert.Equal(t, "row-0", fs.appended[0].SessionID)
	assert.Equal(t, "row-9", fs.appended[9].SessionID)
	assert.Equal(t, 2, b.Pending())
}

func TestFlush_QuotaErrorRetainsRowsAndBacksOff(t *testing.T) {
	fs := &fakeSink{failAt: map[int]error{
		0: sink.NewSinkError(sink.KindQuota, errors.New("quota exceeded")),
	}}
	b := newTestBuffer(fs)

	enqueueN(b, 12)
	sent := b.Flush(context.Background(), time.Now())

	assert.Equal(t, 0, sent)
	assert.Equal(t, 12, b.Pending())
	assert.Equal(t, 60*time.Second, b.FlushInterval())
}

func TestFlush_QuotaBackoffOnlyGrows(t *testing.T) {
	fs := &fakeSink{failAt: map[int]error{}}
	for i := 0; i < 20; i++ {
		fs.failAt[i] = sink.NewSinkError(sink.KindQuota, errors.New("quota"))
	}
	b := newTestBuffer(fs)
	enqueueN(b, 10)

	now := time.Now()
	prev := b.FlushInterval()
	for i := 0; i < 6; i++ {
		now = now.Add(b.FlushInterval() + time.Second)
		b.Flush(context.Background(), now)
		cur := b.FlushInterval()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	// 封顶 300s
	assert.Equal(t, 300*time.Second, b.FlushInterval())

	b.ResetInterval()
	assert.Equal(t, 30*time.Second, b.FlushInterval())
}

func TestFlush_PartialFailureKeepsUnsentRows(t *testing.T) {
	fs := &fakeSink{failAt: map[int]error{
		5: sink.NewSinkError(sink.KindNetwork, errors.New("connection reset")),
	}}
	b := newTestBuffer(fs)

	enqueueN(b, 12)
	sent := b.Flush(context.Background(), time.Now())

	// 前 5 行成功，第 6 行失败终止本轮，其余保留
	assert.Equal(t, 5, sent)
	assert.Equal(t, 7, b.Pending())
}

func TestFlush_AuthErrorTriggersReauthentication(t *testing.T) {
	fs := &fakeSink{failAt: map[int]error{
		0: sink.NewSinkError(sink.KindAuth, errors.New("token expired")),
	}}
	b := newTestBuffer(fs)

	enqueueN(b, 10)
	sent := b.Flush(context.Background(), time.Now())

	assert.Equal(t, 0, sent)
	assert.Equal(t, 10, b.Pending())
	assert.Equal(t, 1, fs.reauths)
	// 认证错误不改变发送间隔
	assert.Equal(t, 30*time.Second, b.FlushInterval())
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	fs := &fakeSink{}
	b := newTestBuffer(fs)
	assert.Equal(t, 0, b.Flush(context.Background(), time.Now()))
	assert.Equal(t, 0, fs.calls)
}

func TestFlush_RowDelayBetweenRows(t *testing.T) {
	fs := &fakeSink{}
	b := NewBuffer(DefaultConfig(), fs, zap.NewNop())
	var delays int
	b.sleep = func(ctx context.Context, d time.Duration) {
		assert.Equal(t, 300*time.Millisecond, d)
		delays++
	}

	enqueueN(b, 5)
	b.Flush(context.Background(), time.Now())
	// 5 行之间 4 次间隔
	assert.Equal(t, 4, delays)
}

func TestFlush_CancelledContextStops(t *testing.T) {
	fs := &fakeSink{}
	b := newTestBuffer(fs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enqueueN(b, 5)
	assert.Equal(t, 0, b.Flush(ctx, time.Now()))
	assert.Equal(t, 5, b.Pending())
}

func TestEnqueue_PendingCapDropsOldest(t *testing.T) {
	fs := &fakeSink{}
	cfg := DefaultConfig()
	cfg.PendingCap = 3
	b := NewBuffer(cfg, fs, zap.NewNop())
	b.sleep = func(ctx context.Context, d time.Duration) {}

	enqueueN(b, 5)
	assert.Equal(t, 3, b.Pending())

	// 留下的是最新的 3 行，最旧的被丢弃
	b.Flush(context.Background(), time.Now())
	require.Len(t, fs.appended, 3)
	assert.Equal(t, "row-2", fs.appended[0].SessionID)
	assert.Equal(t, "row-4", fs.appended[2].SessionID)
}
