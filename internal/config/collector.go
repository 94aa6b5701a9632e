package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type CollectorConfig struct {
	APIToken        string            `mapstructure:"api_token" validate:"required"`
	Ingest          EndpointConfig    `mapstructure:"ingest"`
	HostID          string            `mapstructure:"host_id"`
	IntervalSeconds int               `mapstructure:"interval_seconds" validate:"gt=0"`
	Timeout         time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	TopProcesses    int               `mapstructure:"top_processes" validate:"gte=0"`
	Sampler         string            `mapstructure:"sampler" validate:"oneof=proc synthetic"`
	Retry           RetryConfig       `mapstructure:"retry"`
	Tags            map[string]string `mapstructure:"tags"`
	Log             LogConfig         `mapstructure:"log"`
}

type EndpointConfig struct {
	Scheme string `mapstructure:"scheme" validate:"oneof=http https"`
	Host   string `mapstructure:"host" validate:"required"`
	Port   int    `mapstructure:"port" validate:"gt=0,lte=65535"`
}

type RetryConfig struct {
	Attempts uint          `mapstructure:"attempts" validate:"gte=1"`
	Delay    time.Duration `mapstructure:"delay"`
}

func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// IngestURL is the full address of the ingest endpoint.
func (c CollectorConfig) IngestURL() string {
	host := net.JoinHostPort(c.Ingest.Host, strconv.Itoa(c.Ingest.Port))
	return fmt.Sprintf("%s://%s/api/v1/ingest", c.Ingest.Scheme, host)
}

func SetCollectorDefaults(v *viper.Viper) {
	hostID, err := os.Hostname()
	if err != nil || hostID == "" {
		hostID = "local-dev"
	}

	v.SetDefault("api_token", DefaultAPIToken)
	v.SetDefault("ingest.scheme", "http")
	v.SetDefault("ingest.host", "localhost")
	v.SetDefault("ingest.port", 8000)
	v.SetDefault("host_id", hostID)
	v.SetDefault("interval_seconds", 1)
	v.SetDefault("timeout", 5*time.Second)
	v.SetDefault("top_processes", 5)
	v.SetDefault("sampler", "proc")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 200*time.Millisecond)
	v.SetDefault("tags", map[string]string{"env": "dev"})

	setLogDefaults(v, "collector.log")
}

// LoadCollector reads the collector settings. configFile may be empty.
func LoadCollector(v *viper.Viper, configFile string) (CollectorConfig, error) {
	var cfg CollectorConfig

	SetCollectorDefaults(v)
	err := bindEnv(v, map[string]string{
		"api_token":        "INGEST_API_TOKEN",
		"ingest.host":      "INGEST_HOST",
		"ingest.port":      "INGEST_PORT",
		"host_id":          "COLLECTOR_HOST_ID",
		"interval_seconds": "COLLECTOR_INTERVAL_SECONDS",
		"sampler":          "COLLECTOR_SAMPLER",
		"log.dir":          "COLLECTOR_LOG_DIR",
	})
	if err != nil {
		return cfg, err
	}
	if err := readFile(v, configFile); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding config: %w", err)
	}
	return cfg, Validate(cfg)
}
