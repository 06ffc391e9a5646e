package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

func pushAll(a *FrameAssembler, now time.Time, chunks ...string) []models.RawFrame {
	var frames []models.RawFrame
	for _, c := range chunks {
		frames = append(frames, a.Push([]byte(c), now)...)
	}
	return frames
}

func TestPush_JSONLineIsOneFrame(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	line := `{"person_count":1,"active_people":[{"x_pos":1.0,"y_pos":1.0}]}` + "\n"
	frames := a.Push([]byte(line), now)

	require.Len(t, frames, 1)
	assert.Equal(t, models.FormatJSONMulti, frames[0].Format)
	assert.Equal(t, now, frames[0].ReceivedAt)
	assert.Equal(t, now, a.LastActivity())
}

func TestPush_LineSplitAcrossChunks(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		`{"person_count":1,"active_`,
		`people":[]}`+"\n",
	)
	require.Len(t, frames, 1)
	assert.Equal(t, models.FormatJSONMulti, frames[0].Format)
}

func TestPush_SentinelBlockClosedByMoveSpeed(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	block := "-----Human Detected-----\n" +
		"breath_rate: 30.00\n" +
		"heart_rate: 82.00\n" +
		"x_position: -0.15\n" +
		"y_position: 0.38\n" +
		"distance: -0.00\n" +
		"Target 1:\n" +
		"  x_point: -0.15\n" +
		"  y_point: 0.38\n" +
		"  move_speed: 0.00 cm/s\n"

	frames := a.Push([]byte(block), now)
	require.Len(t, frames, 1)
	assert.Equal(t, models.FormatTextBlock, frames[0].Format)
	// 哨兵块要完整收到 Target 字段，不能在四个基础字段后提前截断
	assert.Contains(t, frames[0].Text, "x_point: -0.15")
	assert.Contains(t, frames[0].Text, "move_speed: 0.00 cm/s")
}

func TestPush_SentinelBlockClosedByBlankLine(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		"-----Human Detected-----\n",
		"x_position: 1.00\n",
		"y_position: 2.00\n",
		"\n",
	)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Text, "x_position: 1.00")
}

func TestPush_NewSentinelClosesPreviousBlock(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		"-----Human Detected-----\nx_position: 1.00\ny_position: 2.00\n",
		"-----Human Detected-----\n",
	)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Text, "x_position: 1.00")
}

func TestPush_SimpleBlockCompletesOnFourFields(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		"breath_rate: 15.00\n",
		"heart_rate: 75.00\n",
		"x_position: 0.50\n",
	)
	assert.Empty(t, frames)

	frames = a.Push([]byte("y_position: 1.20\n"), now)
	require.Len(t, frames, 1)
	assert.Equal(t, models.FormatTextBlock, frames[0].Format)
	assert.Contains(t, frames[0].Text, "breath_rate: 15.00")
	assert.Contains(t, frames[0].Text, "y_position: 1.20")
}

func TestPush_SystemMessagesConsumedAndRefreshActivity(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := a.Push([]byte("HEARTBEAT: Sistema ativo\n"), now)
	assert.Empty(t, frames)
	assert.Equal(t, now, a.LastActivity())

	later := now.Add(time.Minute)
	frames = a.Push([]byte("Acordou do deep sleep\n"), later)
	assert.Empty(t, frames)
	assert.Equal(t, later, a.LastActivity())
}

func TestPush_AbortMessageDropsPartialBlock(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		"-----Human Detected-----\nx_position: 1.00\n",
		"=== RESETANDO SISTEMA COMPLETO ===\n",
		"\n",
	)
	assert.Empty(t, frames)
}

func TestPush_DownloadModeDropsBlock(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		"breath_rate: 15.00\nheart_rate: 75.00\n",
		"waiting for download\n",
		"x_position: 1.00\ny_position: 2.00\n",
	)
	// 前两个字段被丢弃，只剩后两个字段的不完整块
	assert.Empty(t, frames)
}

func TestPush_CRLFTolerated(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := a.Push([]byte("breath_rate: 15.00\r\nheart_rate: 75.00\r\nx_position: 0.50\r\ny_position: 1.20\r\n"), now)
	require.Len(t, frames, 1)
	assert.NotContains(t, frames[0].Text, "\r")
}

func TestPush_DebugNoiseIgnored(t *testing.T) {
	a := NewFrameAssembler(zap.NewNop())
	now := time.Now()

	frames := pushAll(a, now,
		"=== DEBUG DADOS VITAIS ===\n",
		"Tentativa 1 falhou\n",
	)
	assert.Empty(t, frames)
	assert.True(t, a.LastActivity().IsZero())
}
