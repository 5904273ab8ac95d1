package config

import (
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Timezone string `mapstructure:"timezone"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// TxConfig bounds transaction execution. Broad covers the fan-out
// operations (cycle creation and teardown) that write one row per member.
type TxConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`
	BroadTimeoutSeconds int `mapstructure:"broad_timeout_seconds"`
}

func (t TxConfig) Timeout() time.Duration      { return time.Duration(t.TimeoutSeconds) * time.Second }
func (t TxConfig) BroadTimeout() time.Duration { return time.Duration(t.BroadTimeoutSeconds) * time.Second }

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Tx       TxConfig       `mapstructure:"tx"`
}

var (
	appConfig *Config
	once      sync.Once
)

// Load reads configuration once: .env first (if present), then an optional
// config.yaml, with CHAMA_-prefixed environment variables overriding both.
func Load(path string) (*Config, error) {
	var err error
	once.Do(func() {
		// .env is optional; env vars win either way
		_ = godotenv.Load()

		v := viper.New()
		if path == "" {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath(".")
		} else {
			v.SetConfigFile(path)
		}

		v.SetEnvPrefix("CHAMA")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		v.SetDefault("server.address", "0.0.0.0")
		v.SetDefault("server.port", 8080)
		v.SetDefault("server.mode", "")
		v.SetDefault("database.host", "localhost")
		v.SetDefault("database.port", "5432")
		v.SetDefault("database.user", "postgres")
		v.SetDefault("database.password", "password")
		v.SetDefault("database.name", "chama")
		v.SetDefault("database.sslmode", "disable")
		v.SetDefault("database.timezone", "Africa/Nairobi")
		v.SetDefault("jwt.secret", "supersecret")
		v.SetDefault("jwt.expire_hours", 72)
		v.SetDefault("log.file", "./logs/app.log")
		v.SetDefault("log.level", "debug")
		v.SetDefault("tx.timeout_seconds", 10)
		v.SetDefault("tx.broad_timeout_seconds", 60)

		if readErr := v.ReadInConfig(); readErr != nil {
			// config.yaml is optional; a malformed or explicitly named
			// missing file is fatal
			if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
				err = readErr
				return
			}
		}

		var c Config
		if err = v.Unmarshal(&c); err != nil {
			return
		}
		appConfig = &c
	})

	if err != nil {
		return nil, err
	}
	return appConfig, nil
}

// Get returns the loaded configuration. Call Load once at startup first.
func Get() *Config {
	return appConfig
}
