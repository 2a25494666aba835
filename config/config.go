package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eddielth/lora-trans/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. LORATRANS_MQTT_BROKER
const EnvPrefix = "LORATRANS"

// Config is the application configuration
type Config struct {
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Devices []DeviceRule  `mapstructure:"devices"`
	Storage StorageConfig `mapstructure:"storage"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

// MQTTConfig holds the broker connection and the two bridged topics
type MQTTConfig struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
	InputTopic  string        `mapstructure:"input_topic"`
	OutputTopic string        `mapstructure:"output_topic"`
	QoS         byte          `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	// RepublishInterval resends the current record periodically, 0 disables it
	RepublishInterval time.Duration `mapstructure:"republish_interval"`
}

// DeviceRule maps the decoded fields of one device onto record keys.
// Either Fields or a script (ScriptCode / ScriptPath) must be given.
type DeviceRule struct {
	Name       string      `mapstructure:"name"`
	Fields     []FieldRule `mapstructure:"fields"`
	ScriptPath string      `mapstructure:"script_path"`
	ScriptCode string      `mapstructure:"script_code"`
	MinFields  int         `mapstructure:"min_fields"`
}

// FieldRule writes one record key from one or more positional fields
type FieldRule struct {
	Key       string   `mapstructure:"key"`
	Indices   []int    `mapstructure:"indices"`
	Transform string   `mapstructure:"transform"`
	Precision *int     `mapstructure:"precision"`
	Min       *float64 `mapstructure:"min"`
	Max       *float64 `mapstructure:"max"`
}

// LoggerConfig configures the logger package
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StorageConfig selects the optional archive backends
type StorageConfig struct {
	// Timeout bounds the archive writes of one message
	Timeout  time.Duration         `mapstructure:"timeout"`
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	InfluxDB InfluxDBStorageConfig `mapstructure:"influxdb"`
	Kafka    KafkaStorageConfig    `mapstructure:"kafka"`
}

// FileStorageConfig 文件存储配置
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig 数据库存储配置
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// InfluxDBStorageConfig writes published records as time series points
type InfluxDBStorageConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// KafkaStorageConfig forwards published records and dead letters to Kafka
type KafkaStorageConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	DLQTopic string   `mapstructure:"dlq_topic"`
}

// ConfigChangeCallback is called with the new configuration after the file changes
type ConfigChangeCallback func(cfg *Config) error

var (
	v     = newViper()
	vLock sync.Mutex
)

func newViper() *viper.Viper {
	nv := viper.New()
	setDefaults(nv)
	return nv
}

// setDefaults mirrors the values the bridge ran with before it had a config file
func setDefaults(nv *viper.Viper) {
	nv.SetDefault("mqtt.broker", "tcp://localhost:1883")
	nv.SetDefault("mqtt.client_id", "")
	nv.SetDefault("mqtt.keep_alive", 60*time.Second)
	nv.SetDefault("mqtt.input_topic", "topic/test")
	nv.SetDefault("mqtt.output_topic", "topic/MQTT2DashBoard")
	nv.SetDefault("mqtt.qos", 0)
	nv.SetDefault("mqtt.retain", false)
	nv.SetDefault("mqtt.republish_interval", 0)

	nv.SetDefault("logger.level", "INFO")
	nv.SetDefault("logger.file_path", "")
	nv.SetDefault("logger.max_size", 10)
	nv.SetDefault("logger.max_backups", 5)
	nv.SetDefault("logger.console", true)

	nv.SetDefault("storage.timeout", 5*time.Second)
	nv.SetDefault("storage.file.enabled", false)
	nv.SetDefault("storage.file.path", "./data")
	nv.SetDefault("storage.database.enabled", false)
	nv.SetDefault("storage.influxdb.enabled", false)
	nv.SetDefault("storage.influxdb.measurement", "dashboard_record")
	nv.SetDefault("storage.kafka.enabled", false)
	nv.SetDefault("storage.kafka.topic", "dashboard-records")
	nv.SetDefault("storage.kafka.dlq_topic", "dashboard-records-dlq")

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
}

// flagKeys binds command line flags onto config keys
var flagKeys = map[string]string{
	"broker":    "mqtt.broker",
	"log-level": "logger.level",
}

// LoadConfig 从指定路径加载配置文件. A missing file leaves the defaults in place.
// flags may be nil; otherwise flags named in flagKeys override the file.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	nv := newViper()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := nv.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			nv.SetConfigFile(configPath)
			nv.SetConfigType("yaml")
			if err := nv.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", configPath, err)
		} else {
			logger.Warn("config file %s not found, using defaults", configPath)
		}
	}

	cfg, err := decode(nv)
	if err != nil {
		return nil, err
	}

	vLock.Lock()
	v = nv
	vLock.Unlock()
	return cfg, nil
}

func decode(nv *viper.Viper) (*Config, error) {
	var cfg Config
	if err := nv.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker cannot be empty")
	}
	if c.MQTT.InputTopic == "" || c.MQTT.OutputTopic == "" {
		return fmt.Errorf("mqtt.input_topic and mqtt.output_topic are required")
	}
	if c.MQTT.InputTopic == c.MQTT.OutputTopic {
		return fmt.Errorf("mqtt.input_topic and mqtt.output_topic must differ, both are %q", c.MQTT.InputTopic)
	}
	if c.MQTT.RepublishInterval < 0 {
		return fmt.Errorf("mqtt.republish_interval cannot be negative")
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage.timeout must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		seen[d.Name] = true
	}

	if c.Storage.Database.Enabled {
		switch c.Storage.Database.Type {
		case "mysql", "postgresql":
		default:
			return fmt.Errorf("storage.database.type %q is not supported", c.Storage.Database.Type)
		}
	}
	if c.Storage.Kafka.Enabled && len(c.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers cannot be empty")
	}
	if c.Storage.InfluxDB.Enabled && c.Storage.InfluxDB.URL == "" {
		return fmt.Errorf("storage.influxdb.url cannot be empty")
	}
	return nil
}

// WatchConfig 监听配置文件变化并调用回调函数
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("cannot watch %s: %w", absPath, err)
	}

	vLock.Lock()
	nv := v
	vLock.Unlock()

	nv.SetConfigFile(absPath)
	nv.SetConfigType("yaml")
	nv.WatchConfig()

	// 防抖动处理，避免短时间内多次触发
	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	nv.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := decode(nv)
		if err != nil {
			logger.Error("rejecting changed config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply changed config: %v", err)
			return
		}
		logger.Info("changed config applied")
	})

	return nil
}

func intPtr(i int) *int { return &i }

// DefaultDevices is the rule set of the two stations the dashboard was built for
func DefaultDevices() []DeviceRule {
	return []DeviceRule{
		{
			Name: "arduino_ABP",
			Fields: []FieldRule{
				{Key: "temp_West", Indices: []int{1, 2}, Transform: "average", Precision: intPtr(1)},
				{Key: "humidity_West", Indices: []int{0}, Transform: "float"},
				{Key: "pressure_West", Indices: []int{3}, Transform: "float"},
				{Key: "rain_level", Indices: []int{4}, Transform: "raw"},
			},
		},
		{
			Name: "ABP-2",
			Fields: []FieldRule{
				{Key: "wind_direction1", Indices: []int{0}, Transform: "raw"},
				// sent upstream as a string; kept that way for dashboard compatibility
				{Key: "wind_speed1", Indices: []int{1}, Transform: "raw"},
			},
		},
	}
}
