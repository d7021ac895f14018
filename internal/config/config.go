package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	VNPay      VNPayConfig      `yaml:"vnpay"`
	Payment    PaymentConfig    `yaml:"payment"`
	Booking    BookingConfig    `yaml:"booking"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Google     GoogleConfig     `yaml:"google"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Exports    ExportConfig     `yaml:"exports"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	Identity  IdentityConfig     `yaml:"identity"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// APIAuthConfig protects the staff endpoints.
type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// ReservationsPerHour caps reservation requests per guest.
	ReservationsPerHour int `yaml:"reservations_per_hour"`
}

// IdentityConfig describes the tokens issued by the external identity service.
type IdentityConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type VNPayConfig struct {
	BaseURL    string `yaml:"base_url"`
	TmnCode    string `yaml:"tmn_code"`
	HashSecret string `yaml:"hash_secret"`
	ReturnURL  string `yaml:"return_url"`
	TimeZone   string `yaml:"time_zone"`
	Locale     string `yaml:"locale"`
	Currency   string `yaml:"currency"`
	Version    string `yaml:"version"`
	OrderType  string `yaml:"order_type"`
}

func (c VNPayConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

type PaymentConfig struct {
	MinAmount         int64  `yaml:"min_amount"`
	ResultRedirectURL string `yaml:"result_redirect_url"`
	SignatureSecret   string `yaml:"signature_secret"`
}

type BookingConfig struct {
	HoldTTL        time.Duration `yaml:"hold_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxAdvanceDays int           `yaml:"max_advance_days"`
}

type OutboxConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	StaffChatID int64  `yaml:"staff_chat_id"`
	Debug       bool   `yaml:"debug"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	GoogleCredentialsFile string `yaml:"credentials_file"`
	LedgerSpreadsheetID   string `yaml:"ledger_spreadsheet_id"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	var missing []string
	if c.VNPay.BaseURL == "" {
		missing = append(missing, "vnpay.base_url")
	}
	if c.VNPay.TmnCode == "" {
		missing = append(missing, "vnpay.tmn_code")
	}
	if c.VNPay.HashSecret == "" {
		missing = append(missing, "vnpay.hash_secret")
	}
	if c.VNPay.ReturnURL == "" {
		missing = append(missing, "vnpay.return_url")
	}
	if c.Payment.SignatureSecret == "" {
		missing = append(missing, "payment.signature_secret")
	}
	if c.API.Enabled && c.API.Identity.JWTSecret == "" {
		missing = append(missing, "api.identity.jwt_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required settings are empty: %s", strings.Join(missing, ", "))
	}

	if _, err := c.VNPay.Location(); err != nil {
		return err
	}
	if c.Payment.MinAmount < 0 {
		return errors.New("payment.min_amount must not be negative")
	}
	if c.Telegram.BotToken != "" && c.Telegram.StaffChatID == 0 {
		return errors.New("telegram.staff_chat_id is required when bot_token is set")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.RateLimit.ReservationsPerHour == 0 {
		c.API.RateLimit.ReservationsPerHour = 20
	}

	if c.VNPay.TimeZone == "" {
		c.VNPay.TimeZone = "Asia/Ho_Chi_Minh"
	}
	if c.VNPay.Locale == "" {
		c.VNPay.Locale = "vn"
	}
	if c.VNPay.Currency == "" {
		c.VNPay.Currency = "VND"
	}
	if c.VNPay.Version == "" {
		c.VNPay.Version = "2.1.0"
	}
	if c.VNPay.OrderType == "" {
		c.VNPay.OrderType = "billpayment"
	}

	if c.Payment.MinAmount == 0 {
		c.Payment.MinAmount = 10000
	}
	if c.Payment.ResultRedirectURL == "" {
		c.Payment.ResultRedirectURL = "http://localhost:3000/payment-result"
	}

	if c.Booking.HoldTTL == 0 {
		c.Booking.HoldTTL = 30 * time.Minute
	}
	if c.Booking.SweepInterval == 0 {
		c.Booking.SweepInterval = time.Minute
	}
	if c.Booking.MaxAdvanceDays == 0 {
		c.Booking.MaxAdvanceDays = 365
	}

	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Outbox.InitialDelay == 0 {
		c.Outbox.InitialDelay = 2 * time.Second
	}
	if c.Outbox.MaxDelay == 0 {
		c.Outbox.MaxDelay = time.Minute
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 2 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 20
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
