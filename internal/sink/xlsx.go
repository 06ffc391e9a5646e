package sink

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// XLSXSink 离线模式的本地 .xlsx 写入端（网关不可用时的兜底）
type XLSXSink struct {
	path    string
	sheet   string
	columns []string
	logger  *zap.Logger

	mu      sync.Mutex
	file    *excelize.File
	nextRow int
}

var _ TelemetrySink = (*XLSXSink)(nil)

// NewXLSXSink 打开（或创建）本地工作簿；表头在首次创建时写入
func NewXLSXSink(path, sheet string, columns []string, logger *zap.Logger) (*XLSXSink, error) {
	if sheet == "" {
		sheet = "Telemetry"
	}
	if len(columns) == 0 {
		columns = DefaultColumns
	}

	s := &XLSXSink{path: path, sheet: sheet, columns: columns, logger: logger}

	if _, err := os.Stat(path); err == nil {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open workbook: %w", err)
		}
		s.file = f
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		s.nextRow = len(rows) + 1
		return s, nil
	}

	f := excelize.NewFile()
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}
	f.SetActiveSheet(index)

	for col, name := range columns {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to compute header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}
	s.file = f
	s.nextRow = 2
	return s, nil
}

// AppendRow 追加一行并落盘。本地写入失败视为 unknown，上传器会保留该行。
func (s *XLSXSink) AppendRow(ctx context.Context, row models.UploadRow) error {
	if err := ctx.Err(); err != nil {
		return NewSinkError(KindUnknown, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values := FieldsFor(row, s.columns)
	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, s.nextRow)
		if err != nil {
			return NewSinkError(KindUnknown, fmt.Errorf("failed to compute cell: %w", err))
		}
		if err := s.file.SetCellValue(s.sheet, cell, value); err != nil {
			return NewSinkError(KindUnknown, fmt.Errorf("failed to write cell %s: %w", cell, err))
		}
	}

	if err := s.file.SaveAs(s.path); err != nil {
		return NewSinkError(KindUnknown, fmt.Errorf("failed to save workbook: %w", err))
	}
	s.nextRow++
	return nil
}

// Close 关闭工作簿
func (s *XLSXSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
