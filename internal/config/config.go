package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr = ":3000"
)

type MySQLConfig struct {
	Dsn             string `mapstructure:"dsn"`
	ReplicaDsn      string `mapstructure:"replicaDsn"`
	TablePrefix     string `mapstructure:"tablePrefix"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int    `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type CacheConfig struct {
	// Backend selects the shared cache/lock storage: "redis" or "memory".
	// Memory is for single-instance and test deployments only.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type MailConfig struct {
	Backend string     `mapstructure:"backend"` // "smtp" or empty to disable notifications
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// IdPConfig overrides the REST root of a provider, used to point the gateway
// at a staging tenant or a test double.
type IdPConfig struct {
	BaseURL string `mapstructure:"baseURL"`
}

type SyncConfig struct {
	// DefaultIntervalSeconds applies to organizations without explicit
	// sync settings. Floored at one minute.
	DefaultIntervalSeconds int  `mapstructure:"defaultIntervalSeconds"`
	PollerEnabled          bool `mapstructure:"pollerEnabled"`
}

type Config struct {
	Debug       bool                 `mapstructure:"debug"`
	SiteName    string               `mapstructure:"siteName"`
	BaseURL     string               `mapstructure:"baseURL"`
	MasterKey   string               `mapstructure:"masterKey"`
	ListenAddr  string               `mapstructure:"listenAddr"`
	ServiceKeys map[string]string    `mapstructure:"serviceKeys"` // api key -> service name, for machine callers
	MySQL       MySQLConfig          `mapstructure:"mysql"`
	Cache       CacheConfig          `mapstructure:"cache"`
	Mail        MailConfig           `mapstructure:"mail"`
	IdP         map[string]IdPConfig `mapstructure:"idp"`
	Sync        SyncConfig           `mapstructure:"sync"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "redis"
	}
	if c.Cache.Backend != "redis" && c.Cache.Backend != "memory" {
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.MasterKey == "" {
		return fmt.Errorf("masterKey is required")
	}
	if c.Sync.DefaultIntervalSeconds <= 0 {
		c.Sync.DefaultIntervalSeconds = int((15 * time.Minute).Seconds())
	}
	if c.Sync.DefaultIntervalSeconds < 60 {
		c.Sync.DefaultIntervalSeconds = 60
	}
	for kind := range c.IdP {
		if kind != "google" && kind != "microsoft" {
			return fmt.Errorf("unknown idp kind %q", kind)
		}
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	viper.SetConfigFile(filename)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	// Unknown keys are a configuration mistake, not something to ignore.
	strict := func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }
	if err := viper.Unmarshal(&config, strict); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
