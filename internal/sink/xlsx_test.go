package sink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func TestXLSXSink_AppendAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.xlsx")

	s, err := NewXLSXSink(path, "Telemetry", nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.AppendRow(context.Background(), sampleRow()))
	require.NoError(t, s.AppendRow(context.Background(), sampleRow()))
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Telemetry")
	require.NoError(t, err)
	require.Len(t, rows, 3) // 表头 + 2 行数据
	assert.Equal(t, DefaultColumns[0], rows[0][0])
	assert.Equal(t, "RADAR_1", rows[1][0])

	// 重新打开后续写，不覆盖已有行
	s2, err := NewXLSXSink(path, "Telemetry", nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s2.AppendRow(context.Background(), sampleRow()))
	require.NoError(t, s2.Close())

	f2, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f2.Close()
	rows, err = f2.GetRows("Telemetry")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}
