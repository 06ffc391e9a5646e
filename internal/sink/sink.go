package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"rasp-beluga/internal/models"
)

// ErrorKind 下游写入失败的分类，上传器据此决定保留、重试或退避
type ErrorKind string

const (
	KindQuota   ErrorKind = "quota"
	KindAuth    ErrorKind = "auth"
	KindNetwork ErrorKind = "network"
	KindUnknown ErrorKind = "unknown"
)

// SinkError 带分类的写入错误
type SinkError struct {
	Kind ErrorKind
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s error: %v", e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// NewSinkError 构造分类错误
func NewSinkError(kind ErrorKind, err error) *SinkError {
	return &SinkError{Kind: kind, Err: err}
}

// KindOf 提取错误分类，非 SinkError 一律视为 unknown
func KindOf(err error) ErrorKind {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// TelemetrySink 遥测行的下游写入端
type TelemetrySink interface {
	AppendRow(ctx context.Context, row models.UploadRow) error
}

// Reauthenticator 支持重新认证的写入端（认证错误后由上传器触发）
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// DefaultColumns 上传行的默认列投影（顺序即表头顺序）
var DefaultColumns = []string{
	"radar_id",
	"session_id",
	"timestamp",
	"x",
	"y",
	"move_speed",
	"heart_rate",
	"breath_rate",
	"distance",
	"zone",
	"product_id",
	"satisfaction_score",
	"satisfaction_class",
	"is_engaged",
}

// FieldsFor 按列投影一行数据为字符串单元格；未知列名产出空串
func FieldsFor(row models.UploadRow, columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = fieldValue(row, col)
	}
	return out
}

func fieldValue(row models.UploadRow, column string) string {
	switch column {
	case "radar_id":
		return row.RadarID
	case "session_id":
		return row.SessionID
	case "timestamp":
		return row.Timestamp.Format(time.RFC3339)
	case "x":
		return formatFloat(row.X)
	case "y":
		return formatFloat(row.Y)
	case "move_speed":
		return formatFloat(row.MoveSpeed)
	case "heart_rate":
		return formatFloatPtr(row.HeartRate)
	case "breath_rate":
		return formatFloatPtr(row.BreathRate)
	case "distance":
		return formatFloat(row.Distance)
	case "zone":
		return row.Zone
	case "product_id":
		return row.ProductID
	case "satisfaction_score":
		return formatFloatPtr(row.SatisfactionScore)
	case "satisfaction_class":
		return row.SatisfactionClass
	case "is_engaged":
		return strconv.FormatBool(row.IsEngaged)
	default:
		return ""
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
