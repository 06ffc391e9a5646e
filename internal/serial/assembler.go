package serial

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// 固件输出的块起始哨兵行
const blockSentinel = "-----Human Detected-----"

// 简易四字段块：四个基础字段到齐即为一帧完整数据
var basicFields = []string{"breath_rate:", "heart_rate:", "x_position:", "y_position:"}

// 系统消息：消费掉且刷新活动时间，不产出帧
var systemMessages = []string{
	"HEARTBEAT:",
	"Sistema ativo",
	"Acordou do deep sleep",
	"Voltando ao modo de operação normal",
	"Entrando em deep sleep",
	"Sensor ativado e funcionando!",
	"Sensor em modo inativo",
	"Loop ativo - Total:",
	"Próximo deep sleep em:",
}

// 终止在组装块的系统消息（设备重启/休眠丢弃半截数据）
var abortMessages = []string{
	"DEEP SLEEP HORÁRIO",
	"=== TESTE DE DEEP SLEEP ===",
	"=== RESETANDO SISTEMA COMPLETO ===",
	"waiting for download",
	"DOWNLOAD(",
}

// FrameAssembler 把串口字节流重组为离散帧。
// 单协程使用；字节块可以在任意位置切断行。
type FrameAssembler struct {
	logger *zap.Logger

	partial      string // 未见到换行的残行
	collecting   bool
	sentinel     bool // 当前块由哨兵行开启
	block        strings.Builder
	lastActivity time.Time
}

// NewFrameAssembler 创建帧组装器
func NewFrameAssembler(logger *zap.Logger) *FrameAssembler {
	return &FrameAssembler{logger: logger}
}

// LastActivity 最近一次有效活动（帧或系统消息）的时间，供看门狗使用
func (a *FrameAssembler) LastActivity() time.Time {
	return a.lastActivity
}

// Push 吸收一段字节并返回其中完成的帧
func (a *FrameAssembler) Push(data []byte, now time.Time) []models.RawFrame {
	var frames []models.RawFrame

	text := a.partial + string(data)
	lines := strings.Split(text, "\n")
	a.partial = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimRight(line, "\r")
		if f := a.handleLine(line, now); f != nil {
			frames = append(frames, *f)
		}
	}
	return frames
}

// handleLine 处理一个完整行，可能关闭一个块并产出帧
func (a *FrameAssembler) handleLine(line string, now time.Time) *models.RawFrame {
	trimmed := strings.TrimSpace(line)

	// 1. 单行JSON多人帧
	if strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, "active_people") {
		a.lastActivity = now
		return &models.RawFrame{Text: trimmed, Format: models.FormatJSONMulti, ReceivedAt: now}
	}

	// 2. 新哨兵行：关闭在组装的块，开启新块
	if strings.Contains(line, blockSentinel) {
		frame := a.closeBlock(now)
		a.collecting = true
		a.sentinel = true
		a.block.Reset()
		a.block.WriteString(line)
		a.block.WriteString("\n")
		return frame
	}

	if a.collecting {
		// 空行结束当前块
		if trimmed == "" {
			return a.closeBlock(now)
		}
		if a.isAbortMessage(line) {
			a.dropBlock(line)
			return nil
		}
		a.block.WriteString(line)
		a.block.WriteString("\n")

		if a.sentinel {
			// move_speed 是固件完整块的最后一个字段
			if strings.Contains(line, "move_speed") {
				return a.closeBlock(now)
			}
			return nil
		}
		// 简易块：四个基础字段到齐即完整
		if a.hasAllBasicFields() {
			return a.closeBlock(now)
		}
		return nil
	}

	// 3. 简易格式：孤立的 key: value 行开启一个块
	if containsAny(line, basicFields) {
		a.collecting = true
		a.sentinel = false
		a.block.Reset()
		a.block.WriteString(line)
		a.block.WriteString("\n")
		if a.hasAllBasicFields() {
			return a.closeBlock(now)
		}
		return nil
	}

	// 4. 系统消息：消费并刷新活动时间
	if a.isAbortMessage(line) {
		a.dropBlock(line)
		a.lastActivity = now
		return nil
	}
	if containsAny(line, systemMessages) {
		a.lastActivity = now
		a.logger.Debug("System message from device", zap.String("line", trimmed))
		return nil
	}

	// 其余行（调试输出等）静默忽略
	return nil
}

func (a *FrameAssembler) closeBlock(now time.Time) *models.RawFrame {
	if !a.collecting {
		return nil
	}
	text := a.block.String()
	a.collecting = false
	a.sentinel = false
	a.block.Reset()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	a.lastActivity = now
	return &models.RawFrame{Text: text, Format: models.FormatTextBlock, ReceivedAt: now}
}

func (a *FrameAssembler) dropBlock(line string) {
	if a.collecting {
		a.logger.Warn("Device interrupted mid-block, dropping partial frame",
			zap.String("reason", strings.TrimSpace(line)),
		)
	}
	a.collecting = false
	a.sentinel = false
	a.block.Reset()
}

func (a *FrameAssembler) hasAllBasicFields() bool {
	text := a.block.String()
	for _, field := range basicFields {
		if !strings.Contains(text, field) {
			return false
		}
	}
	return true
}

func (a *FrameAssembler) isAbortMessage(line string) bool {
	return containsAny(line, abortMessages)
}

func containsAny(line string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}
