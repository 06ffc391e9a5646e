package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RadarConfig 单台雷达设备的配置
type RadarConfig struct {
	ID   string
	Port string // 为空时自动发现
}

// Config 服务配置
type Config struct {
	Radars []RadarConfig

	Serial struct {
		BaudRate             int
		WatchdogTimeout      time.Duration
		MaxConsecutiveErrors int
		ErrorCooldown        time.Duration
		ResetCommand         string // 非空时用外部工具复位，空格分隔
	}

	Parser struct {
		DistanceTolerance   float64
		TrustSensorDistance bool
	}

	Tracking struct {
		DistanceTolerance float64
		ExitTimeout       time.Duration
		ReentryWindow     time.Duration
	}

	Session struct {
		Timeout       time.Duration
		PositionJump  float64 // 米，超过视为换人
		SpeedJump     float64 // cm/s
	}

	Upload struct {
		FlushInterval    time.Duration
		MaxFlushInterval time.Duration
		BatchCap         int
		MaxRowsPerFlush  int
		RowDelay         time.Duration
		PendingCap       int
	}

	Sink struct {
		Kind      string // sheet | postgres | xlsx
		SheetURL  string
		SheetName string
		Token     string
		AuthURL   string
		XLSXPath  string
	}

	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
		MaxConns int
	}

	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
		Stream   string
	}

	MQTT struct {
		Enabled  bool
		Broker   string
		ClientID string
		Username string
		Password string
		Topic    string
	}

	Zones struct {
		ConfigPath string // 区域表 JSON 文件，空则使用内置默认表
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 雷达列表：RADAR_IDS/RADAR_PORTS 逗号分隔，按下标配对
	ids := splitList(getEnv("RADAR_IDS", "RADAR_1"))
	ports := splitList(getEnv("RADAR_PORTS", ""))
	for i, id := range ids {
		rc := RadarConfig{ID: id}
		if i < len(ports) {
			rc.Port = ports[i]
		}
		cfg.Radars = append(cfg.Radars, rc)
	}

	cfg.Serial.BaudRate = getEnvInt("SERIAL_BAUD_RATE", 115200)
	cfg.Serial.WatchdogTimeout = getEnvDuration("SERIAL_WATCHDOG_TIMEOUT", 600*time.Second)
	cfg.Serial.MaxConsecutiveErrors = getEnvInt("SERIAL_MAX_ERRORS", 5)
	cfg.Serial.ErrorCooldown = getEnvDuration("SERIAL_ERROR_COOLDOWN", 30*time.Second)
	cfg.Serial.ResetCommand = getEnv("SERIAL_RESET_COMMAND", "")

	cfg.Parser.DistanceTolerance = getEnvFloat("PARSER_DISTANCE_TOLERANCE", 0.3)
	cfg.Parser.TrustSensorDistance = getEnvBool("PARSER_TRUST_SENSOR_DISTANCE", false)

	cfg.Tracking.DistanceTolerance = getEnvFloat("TRACKING_DISTANCE_TOLERANCE", 0.3)
	cfg.Tracking.ExitTimeout = getEnvDuration("TRACKING_EXIT_TIMEOUT", 30*time.Second)
	cfg.Tracking.ReentryWindow = getEnvDuration("TRACKING_REENTRY_WINDOW", 2*time.Second)

	cfg.Session.Timeout = getEnvDuration("SESSION_TIMEOUT", 60*time.Second)
	cfg.Session.PositionJump = getEnvFloat("SESSION_POSITION_JUMP", 0.5)
	cfg.Session.SpeedJump = getEnvFloat("SESSION_SPEED_JUMP", 20.0)

	cfg.Upload.FlushInterval = getEnvDuration("UPLOAD_FLUSH_INTERVAL", 30*time.Second)
	cfg.Upload.MaxFlushInterval = getEnvDuration("UPLOAD_MAX_FLUSH_INTERVAL", 300*time.Second)
	cfg.Upload.BatchCap = getEnvInt("UPLOAD_BATCH_CAP", 10)
	cfg.Upload.MaxRowsPerFlush = getEnvInt("UPLOAD_MAX_ROWS_PER_FLUSH", 10)
	cfg.Upload.RowDelay = getEnvDuration("UPLOAD_ROW_DELAY", 300*time.Millisecond)
	cfg.Upload.PendingCap = getEnvInt("UPLOAD_PENDING_CAP", 1000)

	cfg.Sink.Kind = getEnv("SINK_KIND", "sheet")
	cfg.Sink.SheetURL = getEnv("SINK_SHEET_URL", "")
	cfg.Sink.SheetName = getEnv("SINK_SHEET_NAME", "Telemetry")
	cfg.Sink.Token = getEnv("SINK_TOKEN", "")
	cfg.Sink.AuthURL = getEnv("SINK_AUTH_URL", "")
	cfg.Sink.XLSXPath = getEnv("SINK_XLSX_PATH", "telemetry.xlsx")

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "radar")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 5)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.Stream = getEnv("REDIS_STREAM", "radar:data:stream")

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "rasp-beluga")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "radar/+/frames")

	cfg.Zones.ConfigPath = getEnv("ZONES_CONFIG", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Radars) == 0 {
		return fmt.Errorf("at least one radar must be configured (RADAR_IDS)")
	}
	switch c.Sink.Kind {
	case "sheet", "postgres", "xlsx":
	default:
		return fmt.Errorf("unknown SINK_KIND %q (want sheet, postgres or xlsx)", c.Sink.Kind)
	}
	if c.Sink.Kind == "sheet" && c.Sink.SheetURL == "" {
		return fmt.Errorf("SINK_SHEET_URL is required when SINK_KIND=sheet")
	}
	return nil
}

// GetDSN 组装 PostgreSQL 连接串
func (c *Config) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Database, c.Database.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
