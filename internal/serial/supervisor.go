package serial

import (
	"context"
	"fmt"
	"sync"
	"time"

	goserial "go.bug.st/serial"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
)

// State 连接监督器状态
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDegraded     State = "DEGRADED"
	StateResetting    State = "RESETTING"
)

// 传感器连续模式配置：TinyFrame 二进制命令 + ASCII 命令双保险
var (
	continuousModeFrames = [][]byte{
		{0x02, 0x01, 0x02, 0x01, 0x06}, // 连续模式
		{0x02, 0x01, 0x03, 0x00, 0x06}, // 禁用休眠
		{0x02, 0x01, 0x04, 0x01, 0x08}, // 常开模式
	}
	continuousModeCommands = []string{
		"CONTINUOUS_MODE=1",
		"SLEEP_MODE=0",
		"ALWAYS_ON=1",
		"TIMEOUT=0",
		"CONTINUOUS_DETECTION=1",
		"POSITION_MODE=1",
		"TARGET_TRACKING=1",
	}
)

// SupervisorConfig 连接监督器配置
type SupervisorConfig struct {
	// PortName 为空时自动发现
	PortName string
	BaudRate int
	// ReadTimeout 单次串口读取的超时
	ReadTimeout time.Duration
	// WatchdogTimeout 无任何有效活动超过该时长触发硬复位
	WatchdogTimeout time.Duration
	// MaxConsecutiveErrors 连续 I/O 错误达到该数进入冷却
	MaxConsecutiveErrors int
	// ErrorCooldown 降级后重连前的冷却时长
	ErrorCooldown time.Duration
	// ReconnectDelay 普通连接失败后的重试间隔
	ReconnectDelay time.Duration
	// StabilizationDelay 打开端口后等待固件稳定的时长
	StabilizationDelay time.Duration
	// LoopSleep 空轮询之间的休眠
	LoopSleep time.Duration
}

// DefaultSupervisorConfig 默认监督器配置
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		BaudRate:             115200,
		ReadTimeout:          100 * time.Millisecond,
		WatchdogTimeout:      600 * time.Second,
		MaxConsecutiveErrors: 5,
		ErrorCooldown:        30 * time.Second,
		ReconnectDelay:       5 * time.Second,
		StabilizationDelay:   2 * time.Second,
		LoopSleep:            10 * time.Millisecond,
	}
}

// Supervisor 串口连接监督器：负责发现、连接、读取、看门狗与复位。
// 产出的帧写入 Run 传入的通道。
type Supervisor struct {
	cfg       SupervisorConfig
	logger    *zap.Logger
	resetter  DeviceResetter
	assembler *FrameAssembler

	// 可注入，测试时替换真实串口
	openPort func(name string, mode *goserial.Mode) (goserial.Port, error)
	discover func(logger *zap.Logger) (string, error)
	sleep    func(ctx context.Context, d time.Duration)
	now      func() time.Time

	mu                sync.RWMutex
	state             State
	port              goserial.Port
	reader            *FrameReader
	portName          string
	connectedAt       time.Time
	consecutiveErrors int
	lastErrorAt       time.Time
	framesRead        int64
}

// NewSupervisor 创建监督器；resetter 可为 nil（看门狗只重连不复位）
func NewSupervisor(cfg SupervisorConfig, resetter DeviceResetter, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		resetter:  resetter,
		assembler: NewFrameAssembler(logger),
		openPort:  goserial.Open,
		discover:  DiscoverPort,
		sleep:     sleepCtx,
		now:       time.Now,
		state:     StateDisconnected,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// State 当前连接状态
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// FramesRead 累计产出帧数
func (s *Supervisor) FramesRead() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framesRead
}

// PortName 当前使用的端口
func (s *Supervisor) PortName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portName
}

// Run 驱动状态机直到 ctx 取消。帧写入 frames 通道，通道由调用方关闭管理。
func (s *Supervisor) Run(ctx context.Context, frames chan<- models.RawFrame) error {
	defer s.closePort()

	for ctx.Err() == nil {
		switch s.State() {
		case StateDisconnected, StateConnecting:
			if err := s.connect(ctx); err != nil {
				s.logger.Error("Serial connection failed",
					zap.String("port", s.PortName()),
					zap.Error(err),
				)
				s.sleep(ctx, s.cfg.ReconnectDelay)
			}

		case StateConnected:
			s.pollOnce(ctx, frames)

		case StateDegraded:
			s.logger.Warn("Serial link degraded, cooling down",
				zap.Int("consecutive_errors", s.consecutiveErrors),
				zap.Duration("cooldown", s.cfg.ErrorCooldown),
			)
			s.closePort()
			s.sleep(ctx, s.cfg.ErrorCooldown)
			s.consecutiveErrors = 0
			s.setState(StateConnecting)

		case StateResetting:
			s.closePort()
			if s.resetter != nil {
				if err := s.resetter.Reset(ctx); err != nil {
					s.logger.Error("Device reset failed", zap.Error(err))
				}
			}
			s.setState(StateConnecting)
		}
	}
	return ctx.Err()
}

// connect 发现端口、打开连接并配置传感器
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	name := s.cfg.PortName
	if name == "" {
		discovered, err := s.discover(s.logger)
		if err != nil {
			return fmt.Errorf("port discovery failed: %w", err)
		}
		name = discovered
	}
	s.mu.Lock()
	s.portName = name
	s.mu.Unlock()

	port, err := s.openPort(name, &goserial.Mode{BaudRate: s.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.port = port
	s.reader = NewFrameReader(port, s.assembler)
	s.connectedAt = s.now()
	s.consecutiveErrors = 0

	// 固件上电/重连后需要稳定期
	s.sleep(ctx, s.cfg.StabilizationDelay)
	s.configureSensor()

	s.setState(StateConnected)
	s.logger.Info("Serial link established",
		zap.String("port", name),
		zap.Int("baud_rate", s.cfg.BaudRate),
	)
	return nil
}

// configureSensor 下发连续模式配置；写失败降级为告警，数据流仍可能正常
func (s *Supervisor) configureSensor() {
	for _, frame := range continuousModeFrames {
		if _, err := s.port.Write(frame); err != nil {
			s.logger.Warn("Failed to write sensor config frame", zap.Error(err))
			return
		}
	}
	for _, cmd := range continuousModeCommands {
		if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
			s.logger.Warn("Failed to write sensor config command",
				zap.String("command", cmd),
				zap.Error(err),
			)
			return
		}
	}
	s.logger.Info("Sensor configured for continuous mode")
}

// pollOnce 读取一次串口，处理错误计数与看门狗
func (s *Supervisor) pollOnce(ctx context.Context, frames chan<- models.RawFrame) {
	now := s.now()

	got, err := s.reader.Poll(now)
	if err != nil {
		s.registerError(now, err)
		return
	}
	if len(got) > 0 {
		s.consecutiveErrors = 0
		for _, f := range got {
			select {
			case frames <- f:
				s.mu.Lock()
				s.framesRead++
				s.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}

	// 看门狗：长时间无帧也无心跳视为设备挂死
	lastActivity := s.assembler.LastActivity()
	if lastActivity.Before(s.connectedAt) {
		lastActivity = s.connectedAt
	}
	if now.Sub(lastActivity) > s.cfg.WatchdogTimeout {
		s.logger.Warn("Watchdog expired, forcing device reset",
			zap.Duration("since_activity", now.Sub(lastActivity)),
		)
		s.setState(StateResetting)
		return
	}

	if len(got) == 0 {
		s.sleep(ctx, s.cfg.LoopSleep)
	}
}

// registerError 连续错误计数：60秒内的错误累加，达到上限进入降级
func (s *Supervisor) registerError(now time.Time, err error) {
	if now.Sub(s.lastErrorAt) < time.Minute {
		s.consecutiveErrors++
	} else {
		s.consecutiveErrors = 1
	}
	s.lastErrorAt = now

	s.logger.Error("Serial read error",
		zap.Int("consecutive_errors", s.consecutiveErrors),
		zap.Error(err),
	)
	if s.consecutiveErrors >= s.cfg.MaxConsecutiveErrors {
		s.setState(StateDegraded)
	}
}

func (s *Supervisor) closePort() {
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.logger.Warn("Failed to close serial port", zap.Error(err))
		}
		s.port = nil
		s.reader = nil
	}
}
