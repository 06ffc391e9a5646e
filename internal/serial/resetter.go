package serial

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	goserial "go.bug.st/serial"
	"go.uber.org/zap"
)

// DeviceResetter 设备硬复位能力。两种实现可互换：
// DTR/RTS 线脉冲，或外部烧录工具调用。
type DeviceResetter interface {
	Reset(ctx context.Context) error
}

// DTRRTSResetter 通过串口 DTR/RTS 控制线脉冲复位 ESP32/Arduino
type DTRRTSResetter struct {
	PortName string
	BaudRate int
	logger   *zap.Logger

	// 可注入，测试时替换真实串口与等待
	openPort func(name string, mode *goserial.Mode) (goserial.Port, error)
	sleep    func(d time.Duration)
}

var _ DeviceResetter = (*DTRRTSResetter)(nil)

// NewDTRRTSResetter 创建 DTR/RTS 复位器
func NewDTRRTSResetter(portName string, baudRate int, logger *zap.Logger) *DTRRTSResetter {
	return &DTRRTSResetter{
		PortName: portName,
		BaudRate: baudRate,
		logger:   logger,
		openPort: goserial.Open,
		sleep:    time.Sleep,
	}
}

// Reset 执行复位脉冲序列并等待设备重新初始化。
// 调用方需确保主连接已关闭。
func (r *DTRRTSResetter) Reset(ctx context.Context) error {
	r.logger.Warn("Resetting device via DTR/RTS pulse", zap.String("port", r.PortName))

	port, err := r.openPort(r.PortName, &goserial.Mode{BaudRate: r.BaudRate})
	if err != nil {
		return fmt.Errorf("failed to open port for reset: %w", err)
	}

	// ESP32/Arduino 兼容的复位序列
	steps := []func() error{
		func() error { return port.SetDTR(false) },
		func() error { return port.SetRTS(true) },
		func() error { r.sleep(100 * time.Millisecond); return nil },
		func() error { return port.SetDTR(true) },
		func() error { return port.SetRTS(false) },
		func() error { r.sleep(100 * time.Millisecond); return nil },
		// ESP32 需要额外一个 DTR 脉冲
		func() error { return port.SetDTR(false) },
		func() error { r.sleep(100 * time.Millisecond); return nil },
		func() error { return port.SetDTR(true) },
		func() error { r.sleep(500 * time.Millisecond); return nil },
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			_ = port.Close()
			return err
		}
		if err := step(); err != nil {
			_ = port.Close()
			return fmt.Errorf("reset pulse failed: %w", err)
		}
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("failed to close reset port: %w", err)
	}

	// 设备固件初始化需要时间
	r.sleep(3 * time.Second)
	r.logger.Info("Device reset pulse completed", zap.String("port", r.PortName))
	return nil
}

// ExternalToolResetter 调用外部烧录工具复位设备（DTR/RTS 不可用时的后备）
type ExternalToolResetter struct {
	Command []string
	Timeout time.Duration
	logger  *zap.Logger
}

var _ DeviceResetter = (*ExternalToolResetter)(nil)

// NewExternalToolResetter 创建外部工具复位器
func NewExternalToolResetter(command []string, timeout time.Duration, logger *zap.Logger) *ExternalToolResetter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ExternalToolResetter{Command: command, Timeout: timeout, logger: logger}
}

// Reset 执行配置的复位命令
func (r *ExternalToolResetter) Reset(ctx context.Context) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("no reset command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	r.logger.Warn("Resetting device via external tool", zap.Strings("command", r.Command))
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("reset tool failed: %w: %s", err, output)
	}
	r.logger.Info("External reset tool completed")
	return nil
}
