package analytics

// 满意度分类（按分数降序，区间有序且全覆盖）
const (
	ClassVeryPositive = "MUITO_POSITIVA"
	ClassPositive     = "POSITIVA"
	ClassNeutral      = "NEUTRA"
	ClassNegative     = "NEGATIVA"
	ClassVeryNegative = "MUITO_NEGATIVA"
)

// ScorerConfig 满意度打分配置
type ScorerConfig struct {
	MovementThreshold float64 // cm/s，低于此速度视为驻足
	DistanceThreshold float64 // 米，低于此距离视为靠近
	HeartRateMin      float64 // bpm 正常区间
	HeartRateMax      float64
	BreathRateMin     float64 // rpm 正常区间
	BreathRateMax     float64

	// 分类边界（必须降序）
	VeryPositiveMin float64
	PositiveMin     float64
	NeutralMin      float64
	NegativeMin     float64

	// 无生命体征读数时的中性默认值
	NeutralScore float64
}

// DefaultScorerConfig 默认打分配置
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MovementThreshold: 20.0,
		DistanceThreshold: 2.0,
		HeartRateMin:      60,
		HeartRateMax:      100,
		BreathRateMin:     12,
		BreathRateMax:     20,
		VeryPositiveMin:   85,
		PositiveMin:       70,
		NeutralMin:        50,
		NegativeMin:       30,
		NeutralScore:      60,
	}
}

// Scorer 满意度打分器：纯函数，加权求和
// 权重：驻足30 + 靠近20 + 心率25 + 呼吸25 = 100
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer 创建打分器
func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score 计算满意度分数 [0,100] 与分类
// heartRate/breathRate 缺失或为 0 时返回中性默认值，不报错
func (s *Scorer) Score(moveSpeed float64, heartRate, breathRate *float64, distance float64) (float64, string) {
	if heartRate == nil || breathRate == nil || *heartRate == 0 || *breathRate == 0 {
		return s.cfg.NeutralScore, ClassNeutral
	}

	score := 0.0

	if moveSpeed <= s.cfg.MovementThreshold {
		score += 30
	} else {
		score += max0(30 * (1 - moveSpeed/100))
	}

	if distance <= s.cfg.DistanceThreshold {
		score += 20
	} else {
		score += max0(20 * (1 - distance/5))
	}

	if *heartRate >= s.cfg.HeartRateMin && *heartRate <= s.cfg.HeartRateMax {
		score += 25
	} else {
		deviation := bandDeviation(*heartRate, s.cfg.HeartRateMin, s.cfg.HeartRateMax)
		score += max0(25 * (1 - deviation/50))
	}

	if *breathRate >= s.cfg.BreathRateMin && *breathRate <= s.cfg.BreathRateMax {
		score += 25
	} else {
		deviation := bandDeviation(*breathRate, s.cfg.BreathRateMin, s.cfg.BreathRateMax)
		score += max0(25 * (1 - deviation/20))
	}

	return score, s.classify(score)
}

func (s *Scorer) classify(score float64) string {
	switch {
	case score >= s.cfg.VeryPositiveMin:
		return ClassVeryPositive
	case score >= s.cfg.PositiveMin:
		return ClassPositive
	case score >= s.cfg.NeutralMin:
		return ClassNeutral
	case score >= s.cfg.NegativeMin:
		return ClassNegative
	default:
		return ClassVeryNegative
	}
}

// bandDeviation 到正常区间最近边界的距离
func bandDeviation(value, lo, hi float64) float64 {
	dLo := value - lo
	if dLo < 0 {
		dLo = -dLo
	}
	dHi := value - hi
	if dHi < 0 {
		dHi = -dHi
	}
	if dLo < dHi {
		return dLo
	}
	return dHi
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// EngagementConfig 驻足互动判定配置
type EngagementConfig struct {
	MaxDistance float64 // 米
	MaxSpeed    float64 // cm/s
}

// DefaultEngagementConfig 默认互动判定配置
func DefaultEngagementConfig() EngagementConfig {
	return EngagementConfig{MaxDistance: 1.0, MaxSpeed: 10.0}
}

// IsEngaged 判定访客是否在区域内驻足互动
// 区域为空串（无有效区域）时恒为 false
func IsEngaged(cfg EngagementConfig, zone string, distance, moveSpeed float64) bool {
	if zone == "" {
		return false
	}
	return distance <= cfg.MaxDistance && moveSpeed <= cfg.MaxSpeed
}
