package configs

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/chenxilol/wscast/internal/session"
	"github.com/chenxilol/wscast/pkg/bus/nats"
	"github.com/chenxilol/wscast/pkg/bus/redis"
	"github.com/chenxilol/wscast/pkg/hub"
)

type Server struct {
	Addr      string         `mapstructure:"addr"`
	AdminAddr string         `mapstructure:"admin_addr"` // 为空时不启动管理接口
	Session   session.Config `mapstructure:"session"`
	Hub       hub.Config     `mapstructure:"hub"`
}

type Cluster struct {
	Enabled bool         `mapstructure:"enabled"`
	BusType string       `mapstructure:"bus_type"` // 消息总线类型: "nats", "redis", "noop"
	NATS    nats.Config  `mapstructure:"nats"`
	Redis   redis.Config `mapstructure:"redis"`
}

// Auth 管理接口的认证配置，不影响WebSocket端口
type Auth struct {
	Enabled   bool          `mapstructure:"enabled"`
	SecretKey string        `mapstructure:"secret_key"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  `mapstructure:"server"`
	Cluster `mapstructure:"cluster"`
	Auth    `mapstructure:"auth"`
	Log     `mapstructure:"log"`
	Version string `mapstructure:"version"`
}

// NewDefaultConfig creates a new Config with default values
func NewDefaultConfig() Config {
	config := Config{}

	config.Server.Addr = ":60000"
	config.Server.AdminAddr = ":9090"
	config.Server.Session = session.DefaultConfig()
	config.Server.Hub = hub.DefaultConfig()

	// 默认单节点
	config.Cluster.Enabled = false
	config.Cluster.BusType = "noop"
	config.Cluster.NATS = nats.DefaultConfig()
	config.Cluster.Redis = redis.DefaultConfig()

	config.Auth.Enabled = false
	config.Auth.SecretKey = "changeme"
	config.Auth.Issuer = "wscast"
	config.Auth.TokenTTL = 24 * time.Hour

	config.Log.Level = "info"
	config.Version = "dev"

	return config
}

// Validate 检查无法在运行时纠正的配置
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Cluster.Enabled {
		switch c.Cluster.BusType {
		case "nats", "redis", "noop":
		default:
			return fmt.Errorf("unsupported bus type: %q", c.Cluster.BusType)
		}
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required when auth is enabled")
	}
	return nil
}

// LoadConfig 读取YAML配置文件，未设置的字段保留默认值。
// 环境变量 WSCAST_<SECTION>_<KEY> 覆盖文件中的值。
// onChange 不为nil时监听文件变化，每次重新解析成功后回调。
func LoadConfig(configFile string, onChange func(Config)) (Config, error) {
	v := newViper(configFile)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		slog.Error("Failed to read config file, using default config", "file", configFile, "error", err)
		fileLoaded = false
	}

	config := NewDefaultConfig()
	if err := v.Unmarshal(&config); err != nil {
		return NewDefaultConfig(), fmt.Errorf("unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}

	if fileLoaded && onChange != nil {
		SetupConfigHotReload(v, onChange)
	}
	return config, nil
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("WSCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv只对viper已知的key生效，这里把所有默认值注册为key
	setDefaults(v, "", reflect.ValueOf(NewDefaultConfig()))
	return v
}

// setDefaults 按mapstructure标签递归注册结构体的叶子字段
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// SetupConfigHotReload sets up hot reload for the configuration file.
// 每次变更都解析为新的Config再交给onChange，不修改正在使用的配置。
func SetupConfigHotReload(v *viper.Viper, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("Config file changed", "file", e.Name, "op", e.Op.String())

		config := NewDefaultConfig()
		if err := v.Unmarshal(&config); err != nil {
			slog.Error("Failed to unmarshal updated config", "error", err)
			return
		}
		if err := config.Validate(); err != nil {
			slog.Error("Ignoring invalid config update", "error", err)
			return
		}

		onChange(config)
		slog.Info("Config reloaded successfully")
	})
	v.WatchConfig()
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
