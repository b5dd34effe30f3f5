// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitMQ                `yaml:"rabbitmq"`
	HTTPServer              `yaml:"http_server"`
	Telegram                `yaml:"telegram"`
	YooKassa                `yaml:"yookassa"`
	Billing                 `yaml:"billing"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"30s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env-default:"localhost:6379"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env-default:"10s"`
}

// RabbitMQ структура для настройки подключения к брокеру уведомлений
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"rabbitmq_url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"rabbitmq_max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"rabbitmq_retry_delay" env-default:"3s"`
}

// Telegram структура для настройки бота и канала оператора
type Telegram struct {
	BotToken       string        `yaml:"bot_token" env:"BOT_TOKEN"`
	OperatorChatID int64         `yaml:"operator_chat_id" env:"OPERATOR_CHAT_ID"`
	PollTimeout    time.Duration `yaml:"poll_timeout" env-default:"60s"`
}

// YooKassa структура для настройки платёжного шлюза
type YooKassa struct {
	ShopID        string `yaml:"shop_id" env:"YOOKASSA_SHOP_ID"`
	SecretKey     string `yaml:"secret_key" env:"YOOKASSA_SECRET_KEY"`
	WebhookSecret string `yaml:"webhook_secret" env:"YOOKASSA_WEBHOOK_SECRET"`
	ReturnURL     string `yaml:"return_url" env:"YOOKASSA_RETURN_URL"`
}

// Billing структура с периодом подписки и расписанием фоновых задач
type Billing struct {
	SubscriptionPeriod time.Duration `yaml:"subscription_period" env-default:"720h"`
	ExpiryInterval     time.Duration `yaml:"expiry_interval" env-default:"24h"`
	ReminderInterval   time.Duration `yaml:"reminder_interval" env-default:"12h"`
	ReportInterval     time.Duration `yaml:"report_interval" env-default:"24h"`
	ReminderWindowMin  time.Duration `yaml:"reminder_window_min" env-default:"24h"`
	ReminderWindowMax  time.Duration `yaml:"reminder_window_max" env-default:"48h"`
	ReportHorizon      time.Duration `yaml:"report_horizon" env-default:"72h"`
	GatewayTimeout     time.Duration `yaml:"gateway_timeout" env-default:"10s"`
	NotifyTimeout      time.Duration `yaml:"notify_timeout" env-default:"10s"`
}

// MustLoad функция для загрузки конфига, путь берётся из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"StorageConnectionString: %s\n"+
			"MigrationsPath: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"RabbitMQ:\n"+
			"  URL: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"Telegram:\n"+
			"  OperatorChatID: %d\n"+
			"  PollTimeout: %s\n"+
			"Billing:\n"+
			"  SubscriptionPeriod: %s\n"+
			"  ExpiryInterval: %s\n"+
			"  ReminderInterval: %s\n"+
			"  ReportInterval: %s\n",
		c.Env,
		c.StorageConnectionString,
		c.MigrationsPath,
		c.AddressRedis,
		c.DB,
		c.RabbitMQURL,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.IdleTimeout,
		c.OperatorChatID,
		c.PollTimeout,
		c.SubscriptionPeriod,
		c.ExpiryInterval,
		c.ReminderInterval,
		c.ReportInterval,
	)
}
