package vitals

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fftConfig 频率分辨率足够覆盖两个生理频带的测试配置
func fftConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartBufferSize = 64
	cfg.BreathBufferSize = 256
	return cfg
}

func TestUpdate_DistanceOutsideWindowYieldsNothing(t *testing.T) {
	e := NewEstimator(DefaultConfig(), zap.NewNop())

	for _, d := range []float64{0.1, 0.29, 1.51, 3.0} {
		heart, breath := e.Update(0.2, 0.1, d)
		assert.Nil(t, heart, "distance %.2f", d)
		assert.Nil(t, breath, "distance %.2f", d)
	}
}

func TestUpdate_BufferNotFilledYieldsNothing(t *testing.T) {
	e := NewEstimator(DefaultConfig(), zap.NewNop())

	// 默认心率缓冲 20，填充率 70%：前 10 个样本不可能出估计
	for i := 0; i < 10; i++ {
		phase := 0.4 * math.Sin(2*math.Pi*1.25*float64(i)/20+0.3)
		heart, breath := e.Update(phase, phase, 0.6)
		assert.Nil(t, heart)
		assert.Nil(t, breath)
	}
}

func TestUpdate_NoisyFarSignalIsQualityGated(t *testing.T) {
	e := NewEstimator(DefaultConfig(), zap.NewNop())

	// 距离接近上限 + 大幅抖动：滑动质量分跌破 0.3 后停止出估计
	gated := false
	for i := 0; i < 20; i++ {
		phase := 50.0
		if i%2 == 1 {
			phase = -50.0
		}
		heart, breath := e.Update(phase, phase, 1.45)
		if heart == nil && breath == nil {
			gated = true
		} else {
			gated = false
		}
	}
	assert.True(t, gated, "low-quality stream must stop producing estimates")
	// 质量门一旦跌破，样本不再进入相位缓冲
	assert.Less(t, e.heartBuf.count, 5)
}

func TestUpdate_EstimatesDominantFrequencies(t *testing.T) {
	e := NewEstimator(fftConfig(), zap.NewNop())

	// 心率分量 1.25 Hz (75 BPM)，呼吸分量 0.234 Hz (~14 RPM)，采样 20 Hz。
	// 两个频率都落在各自缓冲长度的整数频点上。
	var lastHeart, lastBreath *float64
	for i := 0; i < 256; i++ {
		t1 := float64(i) / 20
		heartPhase := 0.4 * math.Sin(2*math.Pi*1.25*t1+0.3)
		breathPhase := 0.3 * math.Sin(2*math.Pi*0.234375*t1+0.2)
		h, b := e.Update(heartPhase, breathPhase, 0.6)
		if h != nil {
			lastHeart = h
		}
		if b != nil {
			lastBreath = b
		}
	}

	require.NotNil(t, lastHeart)
	assert.InDelta(t, 75.0, *lastHeart, 6.0)
	assert.GreaterOrEqual(t, *lastHeart, 40.0)
	assert.LessOrEqual(t, *lastHeart, 140.0)

	require.NotNil(t, lastBreath)
	assert.InDelta(t, 14.1, *lastBreath, 2.5)
	assert.GreaterOrEqual(t, *lastBreath, 8.0)
	assert.LessOrEqual(t, *lastBreath, 25.0)

	adoptedHeart, adoptedBreath := e.LastRates()
	require.NotNil(t, adoptedHeart)
	require.NotNil(t, adoptedBreath)
}

func TestUpdate_FlatSignalHasNoDominantPeak(t *testing.T) {
	e := NewEstimator(fftConfig(), zap.NewNop())

	// 白噪声般的微小抖动没有主导频率，估计保持 nil
	var sawEstimate bool
	vals := []float64{0.02, -0.015, 0.01, -0.02, 0.017, -0.011, 0.008, -0.019}
	for i := 0; i < 256; i++ {
		v := vals[i%len(vals)]
		h, b := e.Update(v, v, 0.6)
		if h != nil || b != nil {
			sawEstimate = true
		}
	}
	// 周期性模式仍可能偶发峰值，但最近采纳值必须停留在生理频带内或为空
	heart, breath := e.LastRates()
	if !sawEstimate {
		assert.Nil(t, heart)
		assert.Nil(t, breath)
	}
	if heart != nil {
		assert.GreaterOrEqual(t, *heart, 40.0)
		assert.LessOrEqual(t, *heart, 140.0)
	}
	if breath != nil {
		assert.GreaterOrEqual(t, *breath, 8.0)
		assert.LessOrEqual(t, *breath, 25.0)
	}
}

func TestApplyStability_FirstValueAdopted(t *testing.T) {
	got := applyStability(nil, 72.0, 0.4, StabilityAverage)
	require.NotNil(t, got)
	assert.Equal(t, 72.0, *got)
}

func TestApplyStability_SmallChangePassesThrough(t *testing.T) {
	prev := 70.0
	got := applyStability(&prev, 80.0, 0.4, StabilityDiscard)
	require.NotNil(t, got)
	assert.Equal(t, 80.0, *got)
}

func TestApplyStability_AveragePolicy(t *testing.T) {
	prev := 60.0
	// 60 -> 120 变化 100%，超过阈值 40%：取平均 90
	got := applyStability(&prev, 120.0, 0.4, StabilityAverage)
	require.NotNil(t, got)
	assert.Equal(t, 90.0, *got)
}

func TestApplyStability_DiscardPolicy(t *testing.T) {
	prev := 15.0
	got := applyStability(&prev, 25.0, 0.4, StabilityDiscard)
	assert.Nil(t, got)
}

func TestRing_FilledPreservesOrderAfterWrap(t *testing.T) {
	r := newRing(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.push(v)
	}
	assert.Equal(t, []float64{3, 4, 5}, r.filled())
	assert.InDelta(t, 4.0, r.mean(), 1e-9)
}
