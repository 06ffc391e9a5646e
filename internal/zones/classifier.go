package zones

import (
	"encoding/json"
	"fmt"
	"os"

	"rasp-beluga/internal/models"
)

// OutOfRange 所有区域与回退策略都不匹配时的哨兵区域名
const OutOfRange = "FORA_ATIVACOES"

// 距离分带回退使用的区域名（三段式划分）
const (
	BandNear = "PROXIMA"
	BandMid  = "MEDIA"
	BandFar  = "DISTANTE"
)

// Definition 区域定义（矩形范围 + 有效距离区间）
// DistMin/DistMax 均为 0 时不做距离过滤
type Definition struct {
	Name    string  `json:"name"`
	XMin    float64 `json:"x_min"`
	XMax    float64 `json:"x_max"`
	YMin    float64 `json:"y_min"`
	YMax    float64 `json:"y_max"`
	DistMin float64 `json:"dist_min"`
	DistMax float64 `json:"dist_max"`
	// ProductID 该区域关联的货架商品（可选，零售部署使用）
	ProductID string `json:"product_id"`
}

func (d *Definition) contains(x, y, distance float64) bool {
	if x < d.XMin || x > d.XMax || y < d.YMin || y > d.YMax {
		return false
	}
	if d.DistMin == 0 && d.DistMax == 0 {
		return true
	}
	return distance >= d.DistMin && distance <= d.DistMax
}

// FallbackPolicy 区域回退策略
type FallbackPolicy string

const (
	// FallbackDistanceBand 按距离分带（PROXIMA/MEDIA/DISTANTE）
	FallbackDistanceBand FallbackPolicy = "distance-band"
	// FallbackXSide 按X符号分左右，中间单独命名
	FallbackXSide FallbackPolicy = "x-side"
	// FallbackNone 不回退，直接返回哨兵区域
	FallbackNone FallbackPolicy = "none"
)

// Fallback 回退配置
type Fallback struct {
	Policy FallbackPolicy `json:"policy"`
	// x-side 策略的参数
	XBoundary float64 `json:"x_boundary"`
	LeftZone  string  `json:"left_zone"`
	RightZone string  `json:"right_zone"`
	CenterZone string `json:"center_zone"`
	// distance-band 策略的分带边界（米）
	NearLimit float64 `json:"near_limit"`
	MidLimit  float64 `json:"mid_limit"`
}

// Classifier 区域分类器：纯函数，无副作用，所有可变性都在区域表里
type Classifier struct {
	defs     []Definition
	fallback Fallback
}

// NewClassifier 创建区域分类器（defs 按配置顺序匹配，先匹配者赢）
func NewClassifier(defs []Definition, fallback Fallback) *Classifier {
	if fallback.Policy == FallbackDistanceBand {
		if fallback.NearLimit == 0 {
			fallback.NearLimit = 2.0
		}
		if fallback.MidLimit == 0 {
			fallback.MidLimit = 4.0
		}
	}
	if fallback.Policy == FallbackXSide && fallback.XBoundary == 0 {
		fallback.XBoundary = 0.8
	}
	return &Classifier{defs: defs, fallback: fallback}
}

// Classify 根据位置确定区域名，总是返回一个名字（全函数）
func (c *Classifier) Classify(x, y float64) string {
	distance := models.GeometricDistance(x, y)

	for i := range c.defs {
		if c.defs[i].contains(x, y, distance) {
			return c.defs[i].Name
		}
	}

	switch c.fallback.Policy {
	case FallbackDistanceBand:
		if distance <= c.fallback.NearLimit {
			return BandNear
		}
		if distance <= c.fallback.MidLimit {
			return BandMid
		}
		return BandFar
	case FallbackXSide:
		switch {
		case x < -c.fallback.XBoundary:
			if c.fallback.LeftZone != "" {
				return c.fallback.LeftZone
			}
		case x > c.fallback.XBoundary:
			if c.fallback.RightZone != "" {
				return c.fallback.RightZone
			}
		default:
			if c.fallback.CenterZone != "" {
				return c.fallback.CenterZone
			}
		}
	}
	return OutOfRange
}

// ProductID 返回区域关联的商品ID（未关联时为空串）
func (c *Classifier) ProductID(zone string) string {
	for i := range c.defs {
		if c.defs[i].Name == zone {
			return c.defs[i].ProductID
		}
	}
	return ""
}

// tableFile 区域表文件结构
type tableFile struct {
	Zones    []Definition `json:"zones"`
	Fallback Fallback     `json:"fallback"`
}

// LoadTable 从JSON文件加载区域表
func LoadTable(path string) ([]Definition, Fallback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Fallback{}, fmt.Errorf("failed to read zone table: %w", err)
	}
	var tf tableFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, Fallback{}, fmt.Errorf("failed to parse zone table: %w", err)
	}
	if len(tf.Zones) == 0 {
		return nil, Fallback{}, fmt.Errorf("zone table %s contains no zones", path)
	}
	return tf.Zones, tf.Fallback, nil
}

// DefaultTable 内置的默认区域表（货架三分区部署）
func DefaultTable() ([]Definition, Fallback) {
	defs := []Definition{
		{Name: "SECAO_1", ProductID: "1", XMin: 0.0, XMax: 0.5, YMin: 0.0, YMax: 1.5},
		{Name: "SECAO_2", ProductID: "2", XMin: 0.5, XMax: 1.0, YMin: 0.0, YMax: 1.5},
		{Name: "SECAO_3", ProductID: "3", XMin: 1.0, XMax: 1.5, YMin: 0.0, YMax: 1.5},
	}
	return defs, Fallback{Policy: FallbackDistanceBand, NearLimit: 2.0, MidLimit: 4.0}
}
