package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	libconfig "github.com/ada231asd/nain-sub001/backend/libs/config"
)

// Config defines station server configuration.
type Config struct {
	TCP struct {
		Host         string        `yaml:"host" env:"TCP_HOST"`
		Ports        []string      `yaml:"ports" env:"TCP_PORTS"`
		ReadTimeout  time.Duration `yaml:"readTimeout" env:"TCP_READ_TIMEOUT"`
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"TCP_WRITE_TIMEOUT"`
		MaxFrameSize int           `yaml:"maxFrameSize" env:"TCP_MAX_FRAME_SIZE"`
	} `yaml:"tcp"`
	Heartbeat struct {
		Timeout       time.Duration `yaml:"timeout" env:"HEARTBEAT_TIMEOUT"`
		SweepInterval time.Duration `yaml:"sweepInterval" env:"HEARTBEAT_SWEEP_INTERVAL"`
	} `yaml:"heartbeat"`
	Security struct {
		MaxInvalidFrames int `yaml:"maxInvalidFrames" env:"MAX_INVALID_FRAMES"`
	} `yaml:"security"`
	Commands struct {
		Timeout time.Duration `yaml:"timeout" env:"COMMAND_TIMEOUT"`
	} `yaml:"commands"`
	Borrow struct {
		Timeout  time.Duration `yaml:"timeout" env:"BORROW_TIMEOUT"`
		MinLevel int           `yaml:"minLevel" env:"BORROW_MIN_LEVEL"`
	} `yaml:"borrow"`
	Returns struct {
		Window time.Duration `yaml:"window" env:"RETURN_WINDOW"`
	} `yaml:"returns"`
	HTTP struct {
		Port string `yaml:"port" env:"HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"REDIS_DB"`
		TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL"`
	} `yaml:"redis"`
	NATS struct {
		URL           string `yaml:"url" env:"NATS_URL"`
		Username      string `yaml:"username" env:"NATS_USERNAME"`
		Password      string `yaml:"password" env:"NATS_PASSWORD"`
		SubjectPrefix string `yaml:"subjectPrefix" env:"NATS_SUBJECT_PREFIX"`
	} `yaml:"nats"`
	Notify struct {
		WebhookURL string `yaml:"webhookUrl" env:"NOTIFY_WEBHOOK_URL"`
		QueueSize  int    `yaml:"queueSize" env:"NOTIFY_QUEUE_SIZE"`
	} `yaml:"notify"`
	Auth struct {
		JWTSecret  string `yaml:"jwtSecret" env:"JWT_SECRET"`
		APIKeyHash string `yaml:"apiKeyHash" env:"API_KEY_HASH"`
	} `yaml:"auth"`
	WebSocket struct {
		PingInterval time.Duration `yaml:"pingInterval" env:"WS_PING_INTERVAL"`
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"WS_WRITE_TIMEOUT"`
	} `yaml:"websocket"`
}

// Defaults returns a config with every optional value set.
func Defaults() *Config {
	cfg := &Config{}
	cfg.TCP.Host = "0.0.0.0"
	cfg.TCP.Ports = []string{"9066", "10001"}
	cfg.TCP.ReadTimeout = 5 * time.Second
	cfg.TCP.WriteTimeout = 5 * time.Second
	cfg.TCP.MaxFrameSize = 1024
	cfg.Heartbeat.Timeout = 30 * time.Second
	cfg.Heartbeat.SweepInterval = 5 * time.Second
	cfg.Security.MaxInvalidFrames = 5
	cfg.Commands.Timeout = 10 * time.Second
	cfg.Borrow.Timeout = 15 * time.Second
	cfg.Borrow.MinLevel = 20
	cfg.Returns.Window = 5 * time.Minute
	cfg.HTTP.Port = "8000"
	cfg.Redis.TTL = 10 * time.Minute
	cfg.NATS.SubjectPrefix = "stations"
	cfg.Notify.QueueSize = 1024
	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.WriteTimeout = 10 * time.Second
	return cfg
}

// Load uses shared config loader and validates required fields.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database DSN is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: jwt secret is required")
	}
	if _, err := c.TCPPorts(); err != nil {
		return err
	}
	if c.Heartbeat.Timeout <= 0 {
		return errors.New("config: heartbeat timeout must be positive")
	}
	if c.Borrow.MinLevel < 0 || c.Borrow.MinLevel > 100 {
		return fmt.Errorf("config: borrow min level %d out of range", c.Borrow.MinLevel)
	}
	return nil
}

// TCPPorts parses the station listener ports.
func (c *Config) TCPPorts() ([]int, error) {
	var ports []int
	for _, raw := range c.TCP.Ports {
		for _, item := range libconfig.SplitList(raw) {
			port, err := strconv.Atoi(item)
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("config: invalid tcp port %q", item)
			}
			ports = append(ports, port)
		}
	}
	if len(ports) == 0 {
		return nil, errors.New("config: at least one tcp port is required")
	}
	return ports, nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
