package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"rasp-beluga/internal/analytics"
	"rasp-beluga/internal/config"
	"rasp-beluga/internal/consumer"
	"rasp-beluga/internal/models"
	"rasp-beluga/internal/parser"
	"rasp-beluga/internal/publisher"
	serialio "rasp-beluga/internal/serial"
	"rasp-beluga/internal/sink"
	"rasp-beluga/internal/tracker"
	"rasp-beluga/internal/uploader"
	"rasp-beluga/internal/vitals"
	"rasp-beluga/internal/zones"
)

// 周期性驱动与状态日志的节奏
const (
	tickInterval   = time.Second
	statusInterval = 60 * time.Second
)

// pipelineRuntime 一台雷达的运行时：管道 + 帧通道 + 可选的串口监督器
type pipelineRuntime struct {
	radarID    string
	pipeline   *Pipeline
	frames     chan models.RawFrame
	supervisor *serialio.Supervisor // MQTT 模式下为 nil
}

// Service 服务编排：为每台雷达装配独立管道并驱动其生命周期
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	runtimes     []*pipelineRuntime
	byRadarID    map[string]*pipelineRuntime
	db           *sql.DB
	redisClient  *redis.Client
	mqttConsumer *consumer.MQTTConsumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 按配置装配服务
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		byRadarID: make(map[string]*pipelineRuntime),
	}

	telemetrySink, err := s.buildSink()
	if err != nil {
		return nil, err
	}

	defs, fallback, err := s.loadZoneTable()
	if err != nil {
		return nil, err
	}
	classifier := zones.NewClassifier(defs, fallback)

	if cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	for _, rc := range cfg.Radars {
		rt, err := s.buildRuntime(rc, classifier, telemetrySink)
		if err != nil {
			return nil, err
		}
		s.runtimes = append(s.runtimes, rt)
		s.byRadarID[rc.ID] = rt
	}

	if cfg.MQTT.Enabled {
		mc, err := consumer.NewMQTTConsumer(consumer.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      1,
		}, s.dispatchFrame, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT frame source: %w", err)
		}
		s.mqttConsumer = mc
	}

	return s, nil
}

// buildRuntime 装配一台雷达的管道与帧源
func (s *Service) buildRuntime(rc config.RadarConfig, classifier *zones.Classifier, telemetrySink sink.TelemetrySink) (*pipelineRuntime, error) {
	cfg := s.cfg
	logger := s.logger

	parserCfg := parser.Config{
		DistanceTolerance:   cfg.Parser.DistanceTolerance,
		TrustSensorDistance: cfg.Parser.TrustSensorDistance,
	}

	trackerCfg := tracker.Config{
		DistanceTolerance: cfg.Tracking.DistanceTolerance,
		ExitTimeout:       cfg.Tracking.ExitTimeout,
		ReentryWindow:     cfg.Tracking.ReentryWindow,
	}

	uploadCfg := uploader.Config{
		FlushInterval:    cfg.Upload.FlushInterval,
		MaxFlushInterval: cfg.Upload.MaxFlushInterval,
		BatchCap:         cfg.Upload.BatchCap,
		MaxRowsPerFlush:  cfg.Upload.MaxRowsPerFlush,
		RowDelay:         cfg.Upload.RowDelay,
		PendingCap:       cfg.Upload.PendingCap,
	}

	var pub *publisher.RealtimePublisher
	if s.redisClient != nil {
		pub = publisher.NewRealtimePublisher(s.redisClient, cfg.Redis.Stream, logger)
	}

	pipeline := NewPipeline(
		PipelineConfig{
			RadarID:        rc.ID,
			SessionTimeout: cfg.Session.Timeout,
			PositionJump:   cfg.Session.PositionJump,
			SpeedJump:      cfg.Session.SpeedJump,
		},
		parser.NewParser(parserCfg, logger),
		classifier,
		tracker.NewTracker(trackerCfg, logger),
		vitals.NewEstimator(vitals.DefaultConfig(), logger),
		analytics.NewScorer(analytics.DefaultScorerConfig()),
		analytics.DefaultEngagementConfig(),
		uploader.NewBuffer(uploadCfg, telemetrySink, logger),
		pub,
		logger,
	)

	rt := &pipelineRuntime{
		radarID:  rc.ID,
		pipeline: pipeline,
		frames:   make(chan models.RawFrame, 256),
	}

	// MQTT 模式下帧由消费者分发，不建本地串口监督器
	if !cfg.MQTT.Enabled {
		supCfg := serialio.DefaultSupervisorConfig()
		supCfg.PortName = rc.Port
		supCfg.BaudRate = cfg.Serial.BaudRate
		supCfg.WatchdogTimeout = cfg.Serial.WatchdogTimeout
		supCfg.MaxConsecutiveErrors = cfg.Serial.MaxConsecutiveErrors
		supCfg.ErrorCooldown = cfg.Serial.ErrorCooldown

		resetter := s.buildResetter(rc)
		rt.supervisor = serialio.NewSupervisor(supCfg, resetter, logger.With(zap.String("radar_id", rc.ID)))
	}

	return rt, nil
}

// buildResetter 配置了外部工具就用外部工具，否则 DTR/RTS 脉冲
func (s *Service) buildResetter(rc config.RadarConfig) serialio.DeviceResetter {
	if cmd := s.cfg.Serial.ResetCommand; cmd != "" {
		return serialio.NewExternalToolResetter(strings.Fields(cmd), 0, s.logger)
	}
	if rc.Port == "" {
		// 自动发现的端口无法预先绑定复位器，看门狗只做重连
		return nil
	}
	return serialio.NewDTRRTSResetter(rc.Port, s.cfg.Serial.BaudRate, s.logger)
}

func (s *Service) buildSink() (sink.TelemetrySink, error) {
	cfg := s.cfg
	switch cfg.Sink.Kind {
	case "sheet":
		return sink.NewHTTPSheetSink(sink.HTTPSheetConfig{
			BaseURL:   cfg.Sink.SheetURL,
			SheetName: cfg.Sink.SheetName,
			Token:     cfg.Sink.Token,
			AuthURL:   cfg.Sink.AuthURL,
		}, s.logger), nil

	case "postgres":
		db, err := sink.OpenPostgres(cfg.GetDSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres sink: %w", err)
		}
		s.db = db
		return sink.NewPostgresSink(db, s.logger), nil

	case "xlsx":
		xs, err := sink.NewXLSXSink(cfg.Sink.XLSXPath, cfg.Sink.SheetName, nil, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open xlsx sink: %w", err)
		}
		return xs, nil

	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}

func (s *Service) loadZoneTable() ([]zones.Definition, zones.Fallback, error) {
	if path := s.cfg.Zones.ConfigPath; path != "" {
		defs, fallback, err := zones.LoadTable(path)
		if err != nil {
			return nil, zones.Fallback{}, err
		}
		s.logger.Info("Zone table loaded", zap.String("path", path), zap.Int("zones", len(defs)))
		return defs, fallback, nil
	}
	defs, fallback := zones.DefaultTable()
	s.logger.Info("Using built-in zone table", zap.Int("zones", len(defs)))
	return defs, fallback, nil
}

// dispatchFrame MQTT 帧按雷达 ID 路由到对应管道
func (s *Service) dispatchFrame(radarID string, frame models.RawFrame) {
	rt, ok := s.byRadarID[radarID]
	if !ok {
		s.logger.Warn("Frame for unknown radar dropped", zap.String("radar_id", radarID))
		return
	}
	select {
	case rt.frames <- frame:
	default:
		s.logger.Warn("Frame channel full, dropping frame", zap.String("radar_id", radarID))
	}
}

// Start 启动所有帧源与管道协程，不阻塞
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, rt := range s.runtimes {
		rt := rt
		if rt.supervisor != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = rt.supervisor.Run(ctx, rt.frames)
			}()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runPipeline(ctx, rt)
		}()
	}

	if s.mqttConsumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.mqttConsumer.Start(ctx); err != nil {
				s.logger.Error("MQTT frame source stopped with error", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Service started",
		zap.Int("radars", len(s.runtimes)),
		zap.String("sink", s.cfg.Sink.Kind),
		zap.Bool("mqtt", s.cfg.MQTT.Enabled),
		zap.Bool("redis", s.cfg.Redis.Enabled),
	)
	return nil
}

// runPipeline 单协程消费一台雷达的帧与时钟，管道状态无需加锁
func (s *Service) runPipeline(ctx context.Context, rt *pipelineRuntime) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			// 停机前尽量把缓冲推出去
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			rt.pipeline.buffer.ResetInterval()
			rt.pipeline.buffer.Flush(flushCtx, time.Now().Add(s.cfg.Upload.FlushInterval))
			cancel()
			return

		case frame := <-rt.frames:
			rt.pipeline.HandleFrame(ctx, frame)

		case now := <-ticker.C:
			rt.pipeline.Tick(ctx, now)

		case <-status.C:
			s.logStatus(rt)
		}
	}
}

func (s *Service) logStatus(rt *pipelineRuntime) {
	frames, rows, failures, pending := rt.pipeline.Stats()
	fields := []zap.Field{
		zap.String("radar_id", rt.radarID),
		zap.Int64("frames", frames),
		zap.Int64("rows", rows),
		zap.Int64("parse_failures", failures),
		zap.Int("pending_upload", pending),
	}
	if rt.supervisor != nil {
		fields = append(fields,
			zap.String("link_state", string(rt.supervisor.State())),
			zap.String("port", rt.supervisor.PortName()),
		)
	}
	s.logger.Info("Pipeline status", fields...)
}

// Stop 停止服务并等待协程退出
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.mqttConsumer != nil {
		s.mqttConsumer.Stop()
	}
	s.wg.Wait()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	s.logger.Info("Service stopped")
}
