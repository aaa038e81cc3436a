package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig Redis配置（频道传输与快照缓存共用）
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

// RelayConfig 中继服务器WebSocket配置
type RelayConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
}

// SyncConfig 对等会话同步配置
type SyncConfig struct {
	Transport           string        `mapstructure:"transport"` // relay / redis / memory
	RelayURL            string        `mapstructure:"relay_url"`
	StateSaveInterval   time.Duration `mapstructure:"state_save_interval"`
	PlayerCountInterval time.Duration `mapstructure:"player_count_interval"`
	StateSyncJitter     time.Duration `mapstructure:"state_sync_jitter"`
	PlayersDebounce     time.Duration `mapstructure:"players_debounce"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig 中继连接票据配置，Secret为空时不校验
type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	TicketTTL time.Duration `mapstructure:"ticket_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = newViper(configPath)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			return
		}

		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// newViper 创建带默认值和环境变量绑定的viper实例
func newViper(configPath string) *viper.Viper {
	nv := viper.New()

	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	// 设置环境变量前缀
	nv.SetEnvPrefix("ROOM_SYNC")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)
	return nv
}

// Default 返回仅包含默认值的配置（不影响全局配置）
func Default() *Config {
	out := &Config{}
	if err := newViper("").Unmarshal(out); err != nil {
		panic(fmt.Sprintf("默认配置解析失败: %v", err))
	}
	return out
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/room-sync.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// Redis默认配置
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "roomsync")
	v.SetDefault("redis.cache_ttl", "10m")
	v.SetDefault("redis.presence_ttl", "15s")

	// 中继默认配置
	v.SetDefault("relay.path", "/ws/rooms")
	v.SetDefault("relay.read_buffer_size", 4096)
	v.SetDefault("relay.write_buffer_size", 4096)
	v.SetDefault("relay.max_message_size", 8*1024*1024)
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_timeout", "60s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.send_buffer_size", 256)

	// 同步默认配置
	v.SetDefault("sync.transport", "relay")
	v.SetDefault("sync.relay_url", "ws://localhost:8080/ws/rooms")
	v.SetDefault("sync.state_save_interval", "3s")
	v.SetDefault("sync.player_count_interval", "5s")
	v.SetDefault("sync.state_sync_jitter", "150ms")
	v.SetDefault("sync.players_debounce", "200ms")
	v.SetDefault("sync.write_timeout", "10s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "room-sync.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 安全默认配置
	v.SetDefault("security.jwt.ticket_ttl", "1h")
	v.SetDefault("security.jwt.issuer", "room-sync")
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Sync.Transport {
	case "relay", "redis", "memory":
	default:
		return fmt.Errorf("不支持的同步传输方式: %s", c.Sync.Transport)
	}
	if c.Sync.Transport == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis传输需要配置redis.addr")
	}
	if c.Sync.StateSaveInterval <= 0 || c.Sync.PlayerCountInterval <= 0 {
		return fmt.Errorf("节流间隔必须大于0")
	}
	if c.Sync.StateSyncJitter < 0 || c.Sync.PlayersDebounce < 0 {
		return fmt.Errorf("抖动和防抖窗口不能为负数")
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Println("配置已重新加载:", e.Name)
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
