package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"rasp-beluga/internal/models"
	serialio "rasp-beluga/internal/serial"
)

// FrameHandler 接收来自远端桥接设备的帧
type FrameHandler func(radarID string, frame models.RawFrame)

// MQTTConfig MQTT 帧源配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic 形如 radar/+/frames，第二段为雷达 ID
	Topic string
	QoS   byte
}

// MQTTConsumer 备选帧源：远端桥接设备通过 MQTT 转发原始串口流。
// 每个雷达 ID 维护独立的帧组装器。
type MQTTConsumer struct {
	cfg     MQTTConfig
	client  mqtt.Client
	handler FrameHandler
	logger  *zap.Logger

	mu         sync.Mutex
	assemblers map[string]*serialio.FrameAssembler
}

// NewMQTTConsumer 创建 MQTT 帧源并连接 broker
func NewMQTTConsumer(cfg MQTTConfig, handler FrameHandler, logger *zap.Logger) (*MQTTConsumer, error) {
	if cfg.Topic == "" {
		cfg.Topic = "radar/+/frames"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTConsumer{
		cfg:        cfg,
		client:     client,
		handler:    handler,
		logger:     logger,
		assemblers: make(map[string]*serialio.FrameAssembler),
	}, nil
}

// Start 订阅主题并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if token := c.client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Topic, token.Error())
	}

	c.logger.Info("MQTT frame source started",
		zap.String("broker", c.cfg.Broker),
		zap.String("topic", c.cfg.Topic),
	)

	<-ctx.Done()
	return nil
}

// Stop 取消订阅并断开连接
func (c *MQTTConsumer) Stop() {
	if token := c.client.Unsubscribe(c.cfg.Topic); token.Wait() && token.Error() != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(token.Error()))
	}
	c.client.Disconnect(250)
	c.logger.Info("MQTT frame source stopped")
}

func (c *MQTTConsumer) onMessage(client mqtt.Client, msg mqtt.Message) {
	radarID := radarIDFromTopic(msg.Topic())
	if radarID == "" {
		c.logger.Warn("MQTT message on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}

	now := time.Now()
	frames := c.assemblerFor(radarID).Push(msg.Payload(), now)
	for _, f := range frames {
		c.handler(radarID, f)
	}
}

func (c *MQTTConsumer) assemblerFor(radarID string) *serialio.FrameAssembler {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assemblers[radarID]
	if !ok {
		a = serialio.NewFrameAssembler(c.logger.With(zap.String("radar_id", radarID)))
		c.assemblers[radarID] = a
	}
	return a
}

// radarIDFromTopic radar/<id>/frames -> <id>
func radarIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "radar" || parts[len(parts)-1] != "frames" {
		return ""
	}
	return parts[1]
}
