package vitals

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// StabilityPolicy 估计值突变时的平滑策略（继承自传感器厂商的非对称规则）
type StabilityPolicy string

const (
	// StabilityAverage 与上一个采纳值取平均
	StabilityAverage StabilityPolicy = "average"
	// StabilityDiscard 丢弃本次估计
	StabilityDiscard StabilityPolicy = "discard"
)

// Config 生命体征估计器配置
type Config struct {
	SampleRate        float64 // Hz
	HeartBufferSize   int
	BreathBufferSize  int
	QualityBufferSize int

	MinQuality         float64 // 低于此信号质量不出估计
	FillRatio          float64 // 缓冲填充率达到该比例才开始估计
	MinPeakRatio       float64 // 峰值幅度至少为带内均值的倍数
	StabilityThreshold float64 // 相对变化超过该阈值触发平滑策略

	HeartRateMin  float64 // BPM
	HeartRateMax  float64
	BreathRateMin float64 // RPM
	BreathRateMax float64

	// 信号质量的理想距离区间（米）：区间外质量为零
	DistanceMin   float64
	DistanceIdeal float64 // 超过此距离开始线性退化
	DistanceMax   float64

	HeartPolicy  StabilityPolicy
	BreathPolicy StabilityPolicy
}

// DefaultConfig 默认估计器配置
func DefaultConfig() Config {
	return Config{
		SampleRate:         20,
		HeartBufferSize:    20,
		BreathBufferSize:   30,
		QualityBufferSize:  10,
		MinQuality:         0.3,
		FillRatio:          0.7,
		MinPeakRatio:       1.5,
		StabilityThreshold: 0.4,
		HeartRateMin:       40,
		HeartRateMax:       140,
		BreathRateMin:      8,
		BreathRateMax:      25,
		DistanceMin:        0.3,
		DistanceIdeal:      1.0,
		DistanceMax:        1.5,
		HeartPolicy:        StabilityAverage,
		BreathPolicy:       StabilityDiscard,
	}
}

// ring 定容环形缓冲
type ring struct {
	data  []float64
	index int
	count int
}

func newRing(size int) *ring {
	return &ring{data: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.data[r.index] = v
	r.index = (r.index + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// filled 按写入顺序返回已填充的样本
func (r *ring) filled() []float64 {
	out := make([]float64, 0, r.count)
	if r.count < len(r.data) {
		out = append(out, r.data[:r.count]...)
		return out
	}
	out = append(out, r.data[r.index:]...)
	out = append(out, r.data[:r.index]...)
	return out
}

func (r *ring) mean() float64 {
	if r.count == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range r.filled() {
		sum += v
	}
	return sum / float64(r.count)
}

// Estimator 单设备生命体征估计器（相位样本 -> 心率/呼吸率）
type Estimator struct {
	cfg    Config
	logger *zap.Logger

	heartBuf   *ring
	breathBuf  *ring
	qualityBuf *ring

	lastHeart  *float64
	lastBreath *float64
}

// NewEstimator 创建估计器
func NewEstimator(cfg Config, logger *zap.Logger) *Estimator {
	return &Estimator{
		cfg:        cfg,
		logger:     logger,
		heartBuf:   newRing(cfg.HeartBufferSize),
		breathBuf:  newRing(cfg.BreathBufferSize),
		qualityBuf: newRing(cfg.QualityBufferSize),
	}
}

// Update 吸收一个相位样本并尝试估计。质量不足或缓冲未满时返回 (nil, nil)，
// 调用方保留上一个稳定值而非覆盖。
func (e *Estimator) Update(heartPhase, breathPhase, distance float64) (*float64, *float64) {
	// 距离硬门限：理想区间外的样本不可用，也不污染缓冲
	distFactor := e.distanceFactor(distance)
	if distFactor == 0 {
		return nil, nil
	}

	quality := e.signalQuality(distFactor, heartPhase)
	if quality < e.cfg.MinQuality {
		return nil, nil
	}

	e.heartBuf.push(heartPhase)
	e.breathBuf.push(breathPhase)

	heart := e.estimate(e.heartBuf, e.cfg.HeartRateMin/60, e.cfg.HeartRateMax/60)
	breath := e.estimate(e.breathBuf, e.cfg.BreathRateMin/60, e.cfg.BreathRateMax/60)

	if heart != nil {
		heart = applyStability(e.lastHeart, *heart, e.cfg.StabilityThreshold, e.cfg.HeartPolicy)
		if heart != nil {
			e.lastHeart = heart
		}
	}
	if breath != nil {
		breath = applyStability(e.lastBreath, *breath, e.cfg.StabilityThreshold, e.cfg.BreathPolicy)
		if breath != nil {
			e.lastBreath = breath
		}
	}
	if heart != nil || breath != nil {
		e.logger.Debug("Vital sign estimate",
			zap.Float64p("heart_rate", heart),
			zap.Float64p("breath_rate", breath),
			zap.Float64("quality", quality),
		)
	}
	return heart, breath
}

// LastRates 上一个被采纳的估计值
func (e *Estimator) LastRates() (*float64, *float64) {
	return e.lastHeart, e.lastBreath
}

// distanceFactor 距离因子：理想区间内 1.0，向上线性退化，区间外 0
func (e *Estimator) distanceFactor(distance float64) float64 {
	if distance < e.cfg.DistanceMin || distance > e.cfg.DistanceMax {
		return 0
	}
	if distance <= e.cfg.DistanceIdeal {
		return 1.0
	}
	return 1.0 - (distance-e.cfg.DistanceIdeal)/(e.cfg.DistanceMax-e.cfg.DistanceIdeal)
}

// signalQuality 加权质量分 [0,1]：距离0.3 + 方差0.4 + 幅度0.3，经质量缓冲滑动平均
func (e *Estimator) signalQuality(distFactor, sample float64) float64 {
	samples := append(e.heartBuf.filled(), sample)

	variance := 0.1
	amplitude := 0.1
	if len(samples) > 1 {
		variance = variance64(samples)
		amplitude = peakToPeak(samples)
	}

	varianceFactor := 1.0 / (1.0 + variance*10)

	amplitudeFactor := 1.0
	if amplitude < 0.01 || amplitude > 1.0 {
		amplitudeFactor = 0.5
	}

	instant := distFactor*0.3 + varianceFactor*0.4 + amplitudeFactor*0.3
	e.qualityBuf.push(instant)
	return e.qualityBuf.mean()
}

// estimate 带内FFT峰值估计；缓冲未达填充率或峰值不够显著时返回 nil
func (e *Estimator) estimate(buf *ring, minFreq, maxFreq float64) *float64 {
	if float64(buf.count) < float64(len(buf.data))*e.cfg.FillRatio {
		return nil
	}

	// 过滤零样本（缓冲初值），FFT至少需要3个点
	valid := make([]float64, 0, buf.count)
	for _, v := range buf.filled() {
		if v != 0 {
			valid = append(valid, v)
		}
	}
	if len(valid) < 3 {
		return nil
	}

	// 去均值 + Hann 窗
	mean := 0.0
	for _, v := range valid {
		mean += v
	}
	mean /= float64(len(valid))
	seq := make([]float64, len(valid))
	for i, v := range valid {
		seq[i] = v - mean
	}
	window.Hann(seq)

	fft := fourier.NewFFT(len(seq))
	coeffs := fft.Coefficients(nil, seq)

	// 限定生理频带，找峰值幅度
	peakMag := 0.0
	peakFreq := 0.0
	sumMag := 0.0
	inBand := 0
	for i, c := range coeffs {
		freq := fft.Freq(i) * e.cfg.SampleRate
		if freq < minFreq || freq > maxFreq {
			continue
		}
		mag := math.Hypot(real(c), imag(c))
		sumMag += mag
		inBand++
		if mag > peakMag {
			peakMag = mag
			peakFreq = freq
		}
	}
	if inBand == 0 {
		return nil
	}

	// 峰值必须足够显著，否则视为无主导频率
	avgMag := sumMag / float64(inBand)
	if peakMag < e.cfg.MinPeakRatio*avgMag {
		return nil
	}

	rate := math.Round(math.Abs(peakFreq*60)*10) / 10
	return &rate
}

// applyStability 稳定性规则：相对变化超阈值时按策略处理
func applyStability(prev *float64, rate, threshold float64, policy StabilityPolicy) *float64 {
	if prev == nil || *prev == 0 {
		return &rate
	}
	change := math.Abs(rate-*prev) / *prev
	if change <= threshold {
		return &rate
	}
	switch policy {
	case StabilityAverage:
		avg := (rate + *prev) / 2
		return &avg
	case StabilityDiscard:
		return nil
	default:
		return &rate
	}
}

func variance64(samples []float64) float64 {
	mean := 0.0
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	sum := 0.0
	for _, v := range samples {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(samples))
}

func peakToPeak(samples []float64) float64 {
	min, max := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return max - min
}
