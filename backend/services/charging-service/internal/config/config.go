package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "evcharge/backend/libs/config"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Port            string        `yaml:"port" env:"CHARGING_HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"CHARGING_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" env:"CHARGING_HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" env:"CHARGING_HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"CHARGING_HTTP_SHUTDOWN_TIMEOUT"`
}

// AuthConfig holds credentials of driver and operator routes.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret" env:"CHARGING_JWT_SECRET"`
	// OperatorKeyHash is the bcrypt hash of the X-Operator-Key secret.
	OperatorKeyHash string `yaml:"operatorKeyHash" env:"CHARGING_OPERATOR_KEY_HASH"`
}

// StoreConfig selects persistence.
type StoreConfig struct {
	Driver       string `yaml:"driver" env:"CHARGING_STORE"`
	DSN          string `yaml:"dsn" env:"CHARGING_POSTGRES_DSN"`
	MaxOpenConns int    `yaml:"maxOpenConns" env:"CHARGING_POSTGRES_MAX_OPEN_CONNS"`
	Migrate      bool   `yaml:"migrate" env:"CHARGING_POSTGRES_MIGRATE"`
}

// RedisConfig configures the point lock and the active-session cache. Empty Addr disables both.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"CHARGING_REDIS_ADDR"`
	Password string        `yaml:"password" env:"CHARGING_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"CHARGING_REDIS_DB"`
	TTL      int           `yaml:"ttlSeconds" env:"CHARGING_REDIS_TTL"`
	LockTTL  time.Duration `yaml:"lockTTL" env:"CHARGING_REDIS_LOCK_TTL"`
	LockWait time.Duration `yaml:"lockWait" env:"CHARGING_REDIS_LOCK_WAIT"`
}

// BookingConfig holds reservation timing and deposit rules.
type BookingConfig struct {
	CheckInEarly    time.Duration `yaml:"checkInEarly" env:"CHARGING_CHECKIN_EARLY"`
	CheckInGrace    time.Duration `yaml:"checkInGrace" env:"CHARGING_CHECKIN_GRACE"`
	MaxAdvance      time.Duration `yaml:"maxAdvance" env:"CHARGING_BOOKING_MAX_ADVANCE"`
	DefaultDuration time.Duration `yaml:"defaultDuration" env:"CHARGING_BOOKING_DEFAULT_DURATION"`
	DepositMinimum  int64         `yaml:"depositMinimum" env:"CHARGING_DEPOSIT_MINIMUM"`
	DepositPerKW    int64         `yaml:"depositPerKW" env:"CHARGING_DEPOSIT_PER_KW"`
}

// TariffConfig is the fallback tariff used when no plan is stored.
type TariffConfig struct {
	PricePerKWh    int64 `yaml:"pricePerKWh" env:"CHARGING_TARIFF_PER_KWH"`
	PricePerMinute int64 `yaml:"pricePerMinute" env:"CHARGING_TARIFF_PER_MINUTE"`
}

// WalletConfig holds ledger thresholds.
type WalletConfig struct {
	LowBalanceThreshold int64 `yaml:"lowBalanceThreshold" env:"CHARGING_LOW_BALANCE_THRESHOLD"`
}

// SweeperConfig drives booking expiry.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" env:"CHARGING_SWEEP_INTERVAL"`
	Batch    int           `yaml:"batch" env:"CHARGING_SWEEP_BATCH"`
}

// WorkersConfig sizes the pool running best-effort event handlers.
type WorkersConfig struct {
	Count int `yaml:"count" env:"CHARGING_WORKERS"`
	Queue int `yaml:"queue" env:"CHARGING_WORKER_QUEUE"`
}

// EmailConfig configures the email channel. Empty APIKey disables it.
type EmailConfig struct {
	APIKey    string `yaml:"apiKey" env:"CHARGING_EMAIL_API_KEY"`
	FromEmail string `yaml:"fromEmail" env:"CHARGING_EMAIL_FROM"`
	FromName  string `yaml:"fromName" env:"CHARGING_EMAIL_FROM_NAME"`
	Endpoint  string `yaml:"endpoint" env:"CHARGING_EMAIL_ENDPOINT"`
}

// SMSConfig configures the SMS channel. Empty Endpoint disables it.
type SMSConfig struct {
	Endpoint string `yaml:"endpoint" env:"CHARGING_SMS_ENDPOINT"`
	APIKey   string `yaml:"apiKey" env:"CHARGING_SMS_API_KEY"`
	Sender   string `yaml:"sender" env:"CHARGING_SMS_SENDER"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	Timeout      time.Duration `yaml:"timeout" env:"CHARGING_NOTIFY_TIMEOUT"`
	ContactsFile string        `yaml:"contactsFile" env:"CHARGING_CONTACTS_FILE"`
	Email        EmailConfig   `yaml:"email"`
	SMS          SMSConfig     `yaml:"sms"`
}

// WSConfig configures notification websockets.
type WSConfig struct {
	PingInterval time.Duration `yaml:"pingInterval" env:"CHARGING_WS_PING_INTERVAL"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"CHARGING_WS_WRITE_TIMEOUT"`
}

// KafkaConfig configures the analytics sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"CHARGING_KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" env:"CHARGING_KAFKA_TOPIC"`
}

// QRWalletConfig configures the QR wallet gateway. Empty AppID disables it.
type QRWalletConfig struct {
	AppID       string        `yaml:"appID" env:"CHARGING_QRWALLET_APP_ID"`
	Key1        string        `yaml:"key1" env:"CHARGING_QRWALLET_KEY1"`
	Key2        string        `yaml:"key2" env:"CHARGING_QRWALLET_KEY2"`
	CreateURL   string        `yaml:"createURL" env:"CHARGING_QRWALLET_CREATE_URL"`
	CallbackURL string        `yaml:"callbackURL" env:"CHARGING_QRWALLET_CALLBACK_URL"`
	Timeout     time.Duration `yaml:"timeout" env:"CHARGING_QRWALLET_TIMEOUT"`
}

// RedirectConfig configures the redirect gateway. Empty MerchantCode disables it.
type RedirectConfig struct {
	MerchantCode string `yaml:"merchantCode" env:"CHARGING_REDIRECT_MERCHANT"`
	HashSecret   string `yaml:"hashSecret" env:"CHARGING_REDIRECT_HASH_SECRET"`
	PayURL       string `yaml:"payURL" env:"CHARGING_REDIRECT_PAY_URL"`
	ReturnURL    string `yaml:"returnURL" env:"CHARGING_REDIRECT_RETURN_URL"`
	Timezone     string `yaml:"timezone" env:"CHARGING_REDIRECT_TIMEZONE"`
}

// CallbacksConfig rate limits gateway callbacks per client IP.
type CallbacksConfig struct {
	RPS   float64 `yaml:"rps" env:"CHARGING_CALLBACK_RPS"`
	Burst int     `yaml:"burst" env:"CHARGING_CALLBACK_BURST"`
}

// Config defines charging service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Booking   BookingConfig   `yaml:"booking"`
	Tariff    TariffConfig    `yaml:"tariff"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Workers   WorkersConfig   `yaml:"workers"`
	Notify    NotifyConfig    `yaml:"notify"`
	WS        WSConfig        `yaml:"ws"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	QRWallet  QRWalletConfig  `yaml:"qrwallet"`
	Redirect  RedirectConfig  `yaml:"redirect"`
	Callbacks CallbacksConfig `yaml:"callbacks"`
}

// Defaults returns the configuration used before file and environment overrides.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            "8084",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Driver: StoreMemory, Migrate: true},
		Redis: RedisConfig{
			TTL:      86400,
			LockTTL:  10 * time.Second,
			LockWait: 3 * time.Second,
		},
		Booking: BookingConfig{
			CheckInEarly:    15 * time.Minute,
			CheckInGrace:    15 * time.Minute,
			MaxAdvance:      7 * 24 * time.Hour,
			DefaultDuration: time.Hour,
			DepositMinimum:  50_000,
			DepositPerKW:    1_000,
		},
		Tariff:    TariffConfig{PricePerKWh: 3_500, PricePerMinute: 0},
		Wallet:    WalletConfig{LowBalanceThreshold: 50_000},
		Sweeper:   SweeperConfig{Interval: time.Minute, Batch: 100},
		Workers:   WorkersConfig{Count: 4, Queue: 256},
		Notify:    NotifyConfig{Timeout: 10 * time.Second},
		WS:        WSConfig{PingInterval: 30 * time.Second, WriteTimeout: 10 * time.Second},
		Kafka:     KafkaConfig{Topic: "charging.sessions"},
		QRWallet:  QRWalletConfig{Timeout: 15 * time.Second},
		Redirect:  RedirectConfig{Timezone: "Asia/Ho_Chi_Minh"},
		Callbacks: CallbacksConfig{RPS: 5, Burst: 10},
	}
}

// Load reads configuration via shared helper.
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

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: jwt secret required")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("config: postgres dsn required")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Booking.CheckInEarly < 0 || c.Booking.CheckInGrace <= 0 {
		return errors.New("config: check-in window must be positive")
	}
	if c.Tariff.PricePerKWh < 0 || c.Tariff.PricePerMinute < 0 {
		return errors.New("config: tariff prices must not be negative")
	}
	if c.Redirect.MerchantCode != "" {
		if c.Redirect.HashSecret == "" {
			return errors.New("config: redirect hash secret required")
		}
		if _, err := c.RedirectLocation(); err != nil {
			return err
		}
	}
	if c.QRWallet.AppID != "" && (c.QRWallet.Key1 == "" || c.QRWallet.Key2 == "") {
		return errors.New("config: qrwallet keys required")
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8084"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ActiveSessionTTL returns ttl as duration.
func (c *Config) ActiveSessionTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// SweepInterval returns the expiry sweep period.
func (c *Config) SweepInterval() time.Duration {
	if c.Sweeper.Interval <= 0 {
		return time.Minute
	}
	return c.Sweeper.Interval
}

// CheckInGrace returns how long after BookingTime check-in stays open.
func (c *Config) CheckInGrace() time.Duration {
	return c.Booking.CheckInGrace
}

// RedirectLocation resolves the timezone the redirect gateway stamps dates in.
func (c *Config) RedirectLocation() (*time.Location, error) {
	if c.Redirect.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Redirect.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: redirect timezone: %w", err)
	}
	return loc, nil
}
