package server

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// RoomConfig 单个房间的静态配置
type RoomConfig struct {
	ID         int      `yaml:"id"`
	Name       string   `yaml:"name"`
	Identifier string   `yaml:"identifier"`
	Maps       []string `yaml:"maps"`
}

// SpawnConfig 新玩家（或无存档玩家）的初始状态
type SpawnConfig struct {
	X       *float64               `yaml:"x"`
	Y       *float64               `yaml:"y"`
	SX      *float64               `yaml:"sx"`
	Costume *string                `yaml:"costume"`
	RoomID  *int                   `yaml:"room_id"`
	Data    map[string]interface{} `yaml:"data"`
}

// LogConfig 日志输出与滚动策略
type LogConfig struct {
	File       string `yaml:"file" env:"LOG_FILE"`
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console" env:"LOG_CONSOLE"`
}

// Config 服务配置：YAML 文件为基础，环境变量覆盖
type Config struct {
	ServerPort int     `yaml:"server_port" env:"SERVER_PORT"`
	TickRate   float64 `yaml:"tick_rate" env:"TICK_RATE"`

	Rooms             []RoomConfig `yaml:"rooms"`
	InitialPlayerData SpawnConfig  `yaml:"initial_player_data"`

	DatabasePath    string `yaml:"database_path" env:"DATABASE_PATH"`
	BackupDir       string `yaml:"backup_dir" env:"BACKUP_DIR"`
	BackupInterval  int    `yaml:"backup_interval"`   // 秒
	WriteIntervalMs int    `yaml:"write_interval_ms"` // 写回间隔

	HeartbeatInterval      int    `yaml:"heartbeat_interval"`       // 秒
	HeartbeatCheckInterval int    `yaml:"heartbeat_check_interval"` // 秒
	SessionExpiryPolicy    string `yaml:"session_expiry_policy" env:"SESSION_EXPIRY_POLICY"`

	MaxMessageSize string  `yaml:"max_message_size"`
	InboundRate    float64 `yaml:"inbound_rate"` // 每秒允许的入站帧数，0 表示不限
	InboundBurst   int     `yaml:"inbound_burst"`

	DevMode bool   `yaml:"dev_mode" env:"DEV_MODE"`
	NGAppID string `yaml:"-" env:"NG_APP_ID"`

	RedisAddr       string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB         int    `yaml:"redis_db" env:"REDIS_DB"`
	SessionCacheTTL int    `yaml:"session_cache_ttl"` // 秒，仅 Redis 缓存使用

	AdminAuth string `yaml:"-" env:"ADMIN_AUTH"` // user:pass

	Log LogConfig `yaml:"log"`
}

// DefaultConfig 默认值：20 TPS，10 秒写回，每小时备份
func DefaultConfig() Config {
	return Config{
		ServerPort:             9000,
		TickRate:               20,
		Rooms:                  []RoomConfig{{ID: 1, Name: "Lobby", Identifier: "lobby"}},
		InitialPlayerData:      SpawnConfig{RoomID: ptr(1)},
		DatabasePath:           "data/roomsync.db",
		BackupDir:              "data/backups",
		BackupInterval:         3600,
		WriteIntervalMs:        10000,
		HeartbeatInterval:      240,
		HeartbeatCheckInterval: 5,
		SessionExpiryPolicy:    string(ExpiryLog),
		MaxMessageSize:         "64KB",
		InboundRate:            60,
		InboundBurst:           120,
		SessionCacheTTL:        600,
		Log: LogConfig{
			File:       "roomsync.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Console:    true,
		},
	}
}

// LoadConfig 读取 YAML 配置（文件不存在时使用默认值），再应用环境变量覆盖
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate 检查配置之间的一致性
func (c Config) Validate() error {
	if c.TickRate <= 0 || math.IsInf(c.TickRate, 0) || math.IsNaN(c.TickRate) {
		return fmt.Errorf("tick_rate must be positive, got %v", c.TickRate)
	}
	if len(c.Rooms) == 0 {
		return errors.New("at least one room must be configured")
	}
	seen := make(map[int]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		if seen[r.ID] {
			return fmt.Errorf("room %d configured twice", r.ID)
		}
		seen[r.ID] = true
	}
	if id := c.InitialPlayerData.RoomID; id != nil && !seen[*id] {
		return fmt.Errorf("initial_player_data.room_id %d is not a configured room", *id)
	}
	switch ExpiryPolicy(c.SessionExpiryPolicy) {
	case ExpiryLog, ExpiryDisconnect:
	default:
		return fmt.Errorf("unknown session_expiry_policy %q", c.SessionExpiryPolicy)
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}
	if c.WriteIntervalMs <= 0 {
		return fmt.Errorf("write_interval_ms must be positive, got %d", c.WriteIntervalMs)
	}
	return nil
}

// TickPeriod 由 tick_rate 推导的 Tick 间隔
func (c Config) TickPeriod() time.Duration {
	return time.Duration(math.Round(1000/c.TickRate)) * time.Millisecond
}

func (c Config) WriteInterval() time.Duration {
	return time.Duration(c.WriteIntervalMs) * time.Millisecond
}

func (c Config) BackupEvery() time.Duration {
	return time.Duration(c.BackupInterval) * time.Second
}

func (c Config) HeartbeatEvery() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c Config) HeartbeatCheckEvery() time.Duration {
	return time.Duration(c.HeartbeatCheckInterval) * time.Second
}

// MaxMessageBytes 解析如 "64KB" 的人类可读大小
func (c Config) MaxMessageBytes() (int64, error) {
	if c.MaxMessageSize == "" {
		return 0, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.MaxMessageSize)); err != nil {
		return 0, fmt.Errorf("max_message_size %q: %w", c.MaxMessageSize, err)
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("max_message_size %q is too large", c.MaxMessageSize)
	}
	return int64(v.Bytes()), nil
}

// Spawn 初始状态转换为部分定义
func (c Config) Spawn() (PlayerDefinition, error) {
	s := c.InitialPlayerData
	def := PlayerDefinition{
		X:       clonePtr(s.X),
		Y:       clonePtr(s.Y),
		SX:      clonePtr(s.SX),
		Costume: clonePtr(s.Costume),
		RoomID:  clonePtr(s.RoomID),
	}
	if len(s.Data) > 0 {
		v, err := ValueOf(s.Data)
		if err != nil {
			return def, fmt.Errorf("initial_player_data.data: %w", err)
		}
		def.Data, _ = v.AsMap()
	}
	return def, nil
}
