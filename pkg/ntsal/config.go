package ntsal

import (
	"github.com/spf13/viper"
)

const (
	defaultMinPoll int8 = 6
	defaultMaxPoll int8 = 10
	defaultPort         = 123
)

// SourceConfig describes one time source.
type SourceConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	MinPoll int8   `mapstructure:"min_poll"`
	MaxPoll int8   `mapstructure:"max_poll"`

	// NTS enables the security layer for this source. The key exchange
	// runs against KEServer, defaulting to Host on the well-known port.
	NTS                bool   `mapstructure:"nts"`
	KEServer           string `mapstructure:"ke_server"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// Config is the daemon configuration.
type Config struct {
	Listen       string         `mapstructure:"listen"`
	DriftFile    string         `mapstructure:"drift_file"`
	Socket       string         `mapstructure:"socket"`
	MinSurvivors int            `mapstructure:"min_survivors"`
	Sources      []SourceConfig `mapstructure:"sources"`
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("min_survivors", NSANE)
	v.SetDefault("socket", defaultSocket)

	if err := v.ReadInConfig(); err != nil {
		return nil, configErrorf("reading %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configErrorf("decoding %s: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return configErrorf("no sources configured")
	}
	if c.MinSurvivors < 1 {
		return configErrorf("min_survivors must be at least 1")
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Host == "" {
			return configErrorf("source %d has no host", i)
		}
		if src.Port == 0 {
			src.Port = defaultPort
		}
		if src.MinPoll == 0 {
			src.MinPoll = defaultMinPoll
		}
		if src.MaxPoll == 0 {
			src.MaxPoll = defaultMaxPoll
		}
		if src.MinPoll < MINPOLL {
			return configErrorf("source %s: min_poll below %d", src.Host, MINPOLL)
		}
		if src.MaxPoll > MAXPOLL {
			return configErrorf("source %s: max_poll above %d", src.Host, MAXPOLL)
		}
		if src.MinPoll > src.MaxPoll {
			return configErrorf("source %s: min_poll above max_poll", src.Host)
		}
	}
	return nil
}

const defaultSocket = "/tmp/ntsald.sock"
