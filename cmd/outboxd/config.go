package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

var ErrConfigPathIsEmpty = errors.New("config path is empty")

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Logger     LoggerConfig     `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Broker     BrokerConfig     `yaml:"broker"`
}

type ServiceConfig struct {
	Name    string `yaml:"name" env:"SERVICE_NAME" env-default:"outboxd"`
	Version string `yaml:"version"`
}

type LoggerConfig struct {
	Level      string   `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	FormatJSON bool     `yaml:"format_json"`
	Rotation   Rotation `yaml:"rotation"`
}

type Rotation struct {
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

type DatabaseConfig struct {
	Host               string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port               uint16 `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User               string `yaml:"user" env:"DB_USER"`
	Password           string `yaml:"password" env:"DB_PASSWORD"`
	Name               string `yaml:"name" env:"DB_NAME"`
	SSLMode            string `yaml:"ssl_mode" env-default:"disable"`
	MaxOpenConnections int    `yaml:"max_open_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections"`
	SkipMigrations     bool   `yaml:"skip_migrations"`
	Table              string `yaml:"table"`
	ListenChannel      string `yaml:"listen_channel"`
}

// DSN builds the PostgreSQL connection string. Credentials are URL-encoded.
func (c DatabaseConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))),
		Path:   "/" + c.Name,
	}

	if c.User != "" || c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}

	if c.SSLMode != "" {
		query := url.Values{}
		query.Set("sslmode", c.SSLMode)
		u.RawQuery = query.Encode()
	}

	return u.String()
}

type DispatcherConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	BatchSize             int           `yaml:"batch_size"`
	PublishMaxAttempts    int           `yaml:"publish_max_attempts"`
	PublishBackoff        time.Duration `yaml:"publish_backoff"`
	RetryWindow           time.Duration `yaml:"retry_window"`
	MaxDispatchAttempts   int           `yaml:"max_dispatch_attempts"`
	ProcessingTimeout     time.Duration `yaml:"processing_timeout"`
	MaxFailedPerBatch     int           `yaml:"max_failed_per_batch"`
	ClaimFailureThreshold int           `yaml:"claim_failure_threshold"`
	ClaimBackoff          time.Duration `yaml:"claim_backoff"`
}

const (
	brokerKindRabbitMQ = "rabbitmq"
	brokerKindKafka    = "kafka"
)

type BrokerConfig struct {
	Kind     string         `yaml:"kind" env:"BROKER_KIND" env-default:"rabbitmq"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type RabbitMQConfig struct {
	Protocol         string        `yaml:"protocol" env-default:"amqp"`
	User             string        `yaml:"user" env:"RABBITMQ_USER"`
	Pass             string        `yaml:"pass" env:"RABBITMQ_PASS"`
	Host             string        `yaml:"host" env:"RABBITMQ_HOST" env-default:"localhost"`
	Port             string        `yaml:"port" env:"RABBITMQ_PORT" env-default:"5672"`
	VHost            string        `yaml:"vhost"`
	ExchangeKind     string        `yaml:"exchange_kind"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	DeclareExchanges bool          `yaml:"declare_exchanges" env-default:"true"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS"`
}

func (c BrokerConfig) validate() error {
	switch c.Kind {
	case brokerKindRabbitMQ, brokerKindKafka:
		return nil
	default:
		return fmt.Errorf("unknown broker kind %q", c.Kind)
	}
}

func MustLoadConfig() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		panic(err)
	}

	return cfg
}

func LoadConfig() (*Config, error) {
	path := fetchConfigPath()
	if path == "" {
		return nil, ErrConfigPathIsEmpty
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	var config Config

	if err := cleanenv.ReadConfig(path, &config); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := config.Broker.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func fetchConfigPath() string {
	var result string

	flag.StringVar(&result, "config", "", "Path to config file")
	flag.Parse()

	if result == "" {
		result = os.Getenv("CONFIG_PATH")
	}

	return result
}
