package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in channel.transport.
const (
	TransportWebSocket = "websocket"
	TransportAMQP      = "amqp"
	TransportRedis     = "redis"
)

// Route sources accepted in routes.source.
const (
	RouteSourceHTTP     = "http"
	RouteSourcePostgres = "postgres"
)

type Config struct {
	API      API      `yaml:"api"`
	Auth     Auth     `yaml:"auth"`
	Channel  Channel  `yaml:"channel"`
	RabbitMQ RabbitMQ `yaml:"rabbitmq"`
	Redis    Redis    `yaml:"redis"`
	Database Database `yaml:"database"`
	Sharing  Sharing  `yaml:"sharing"`
	Tracking Tracking `yaml:"tracking"`
	Routes   Routes   `yaml:"routes"`
	HTTP     HTTP     `yaml:"http"`
}

type API struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type Auth struct {
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Channel struct {
	Transport      string        `yaml:"transport" validate:"oneof=websocket amqp redis"`
	URL            string        `yaml:"url" validate:"omitempty,url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	LogoutGrace    time.Duration `yaml:"logout_grace" validate:"gte=0"`
}

type RabbitMQ struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=1,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=1,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"database"`
}

type Sharing struct {
	SendInterval   time.Duration `yaml:"send_interval" validate:"gt=0"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" validate:"gt=0"`
}

type Tracking struct {
	HistoryCapacity int           `yaml:"history_capacity" validate:"gte=2"`
	AnimationWindow time.Duration `yaml:"animation_window" validate:"gte=0"`
	SelectedZoom    int           `yaml:"selected_zoom" validate:"gte=1,lte=22"`
	OverviewZoom    int           `yaml:"overview_zoom" validate:"gte=1,lte=22"`
	DefaultCenter   struct {
		Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
		Lng float64 `yaml:"lng" validate:"gte=-180,lte=180"`
	} `yaml:"default_center"`
}

type Routes struct {
	Source            string        `yaml:"source" validate:"oneof=http postgres"`
	SettleDelay       time.Duration `yaml:"settle_delay" validate:"gte=0"`
	Throttle          time.Duration `yaml:"throttle" validate:"gt=0"`
	SimulatedThrottle time.Duration `yaml:"simulated_throttle" validate:"gt=0"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=1"`
	RetryStep         time.Duration `yaml:"retry_step" validate:"gt=0"`
}

type HTTP struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// LoadFromFile loads config from a YAML file, applies defaults, and validates it.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

// Load decodes YAML from r, applies defaults and environment overrides, and validates the result.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets safe defaults for unset fields.
func applyDefaults(cfg *Config) {
	// API
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:3000/api"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}

	// Channel
	if cfg.Channel.Transport == "" {
		cfg.Channel.Transport = TransportWebSocket
	}
	if cfg.Channel.URL == "" && cfg.Channel.Transport == TransportWebSocket {
		cfg.Channel.URL = "ws://localhost:3000/realtime"
	}
	if cfg.Channel.ReconnectDelay == 0 {
		cfg.Channel.ReconnectDelay = 3 * time.Second
	}
	if cfg.Channel.DialTimeout == 0 {
		cfg.Channel.DialTimeout = 20 * time.Second
	}
	if cfg.Channel.LogoutGrace == 0 {
		cfg.Channel.LogoutGrace = 500 * time.Millisecond
	}

	// RabbitMQ
	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}

	// Redis
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	// Database
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}

	// Sharing
	if cfg.Sharing.SendInterval == 0 {
		cfg.Sharing.SendInterval = 3 * time.Second
	}
	if cfg.Sharing.AcquireTimeout == 0 {
		cfg.Sharing.AcquireTimeout = 10 * time.Second
	}

	// Tracking
	if cfg.Tracking.HistoryCapacity == 0 {
		cfg.Tracking.HistoryCapacity = 20
	}
	if cfg.Tracking.AnimationWindow == 0 {
		cfg.Tracking.AnimationWindow = time.Second
	}
	if cfg.Tracking.SelectedZoom == 0 {
		cfg.Tracking.SelectedZoom = 15
	}
	if cfg.Tracking.OverviewZoom == 0 {
		cfg.Tracking.OverviewZoom = 11
	}

	// Routes
	if cfg.Routes.Source == "" {
		cfg.Routes.Source = RouteSourceHTTP
	}
	if cfg.Routes.SettleDelay == 0 {
		cfg.Routes.SettleDelay = 1500 * time.Millisecond
	}
	if cfg.Routes.Throttle == 0 {
		cfg.Routes.Throttle = 30 * time.Second
	}
	if cfg.Routes.SimulatedThrottle == 0 {
		cfg.Routes.SimulatedThrottle = 5 * time.Second
	}
	if cfg.Routes.MaxRetries == 0 {
		cfg.Routes.MaxRetries = 3
	}
	if cfg.Routes.RetryStep == 0 {
		cfg.Routes.RetryStep = time.Second
	}

	// HTTP
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 3010
	}
}

// applyEnv lets the session credential come from the environment instead of the file.
func applyEnv(cfg *Config) {
	if tok := strings.TrimSpace(os.Getenv("FLEET_TOKEN")); tok != "" {
		cfg.Auth.Token = tok
	}
}

// validate checks struct tags plus the cross-field requirements of the selected backends.
func (c *Config) validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	var problems []string
	if c.Channel.Transport == TransportWebSocket && c.Channel.URL == "" {
		problems = append(problems, "channel.url is required for the websocket transport")
	}
	if c.Channel.Transport == TransportAMQP && (c.RabbitMQ.User == "" || c.RabbitMQ.Password == "") {
		problems = append(problems, "rabbitmq.user and rabbitmq.password are required for the amqp transport")
	}
	if c.Routes.Source == RouteSourcePostgres {
		if c.Database.User == "" {
			problems = append(problems, "database.user is required for the postgres route source")
		}
		if c.Database.Name == "" {
			problems = append(problems, "database.database is required for the postgres route source")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
