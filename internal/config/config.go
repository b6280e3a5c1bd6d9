// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/YaganovValera/kalshi-stream/internal/httpserver"
	"github.com/YaganovValera/kalshi-stream/internal/session"
	"github.com/YaganovValera/kalshi-stream/pkg/kafka"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/auth"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/transport"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
	"github.com/YaganovValera/kalshi-stream/pkg/telemetry"
)

// EnvPrefix: префикс переменных окружения: KALSHI_API_KEY_ID, KALSHI_TRANSPORT_READ_TIMEOUT, ...
const EnvPrefix = "KALSHI"

// ServiceName: имя процесса в логах и ресурсе трассировки.
const ServiceName = "kalshi-stream"

// DefaultWSURL: боевой адрес потока.
const DefaultWSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config: все настройки клиента. Загружается один раз при старте.
type Config struct {
	ServiceVersion string `mapstructure:"service_version"`

	APIKeyID       string `mapstructure:"api_key_id"`
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyFile string `mapstructure:"private_key_file"`

	WSURL        string   `mapstructure:"ws_url"`
	Channels     []string `mapstructure:"channels"`
	MarketTicker string   `mapstructure:"market_ticker"`

	Signing   SigningConfig           `mapstructure:"signing"`
	Transport transport.Config        `mapstructure:"transport"`
	Reconnect session.ReconnectConfig `mapstructure:"reconnect"`
	Logging   logger.Config           `mapstructure:"logging"`
	HTTP      httpserver.Config       `mapstructure:"http"`
	Telemetry telemetry.Config        `mapstructure:"telemetry"`
	Kafka     KafkaConfig             `mapstructure:"kafka"`
}

// SigningConfig: профиль подписи.
type SigningConfig struct {
	SaltProfile string `mapstructure:"salt_profile"` // digest | max
}

// KafkaConfig: ретрансляция событий в Kafka.
type KafkaConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Topic        string `mapstructure:"topic"`
	kafka.Config `mapstructure:",squash"`
}

// Error: ошибка конфигурации. Фатальна до любой попытки подключения.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field == "" && e.Err != nil:
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Msg, e.Err)
	case e.Field == "":
		return "config: " + e.Msg
	default:
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Options задаёт источники конфигурации.
type Options struct {
	// Path: YAML-файл; пустой → только ENV и defaults.
	Path string
	// EnvFile: dotenv-файл; пустой → ".env". Отсутствие файла не ошибка.
	EnvFile string
	// Flags: флаги из RegisterFlags; заданные явно перекрывают остальное.
	Flags *pflag.FlagSet
}

// RegisterFlags добавляет флаги, перекрывающие конфигурацию.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("channels", nil, "channels to subscribe (ticker,orderbook_delta)")
	fs.String("market-ticker", "", "market ticker for orderbook_delta")
}

// Load загружает и валидирует конфиг: dotenv → defaults → файл → ENV → флаги.
// Переменные, уже заданные в окружении, dotenv не перезаписывает.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Msg: fmt.Sprintf("load env file %q", envFile), Err: err}
	}

	v := viper.New()

	// ---------- 1) Defaults ----------
	setDefaults(v)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Msg: fmt.Sprintf("read config %q", opts.Path), Err: err}
		}
	}

	// ---------- 4) Flags ----------
	if opts.Flags != nil {
		for key, name := range map[string]string{"channels": "channels", "market_ticker": "market-ticker"} {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, &Error{Field: key, Msg: "bind flag", Err: err}
				}
			}
		}
	}

	// ---------- 5) Decode ----------
	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, &Error{Msg: "decode", Err: err}
	}
	cfg.Channels = cleanList(cfg.Channels)

	// ---------- 6) Private key file ----------
	if cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, &Error{Field: "private_key_file", Msg: "read", Err: err}
		}
		cfg.PrivateKey = string(data)
	}

	// ---------- 7) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_version", "v1.0.0")

	v.SetDefault("api_key_id", "")
	v.SetDefault("private_key", "")
	v.SetDefault("private_key_file", "")
	v.SetDefault("ws_url", DefaultWSURL)
	v.SetDefault("channels", []string{})
	v.SetDefault("market_ticker", "")
	v.SetDefault("signing.salt_profile", string(auth.SaltDigest))

	// Transport
	v.SetDefault("transport.handshake_timeout", "10s")
	v.SetDefault("transport.read_timeout", "60s")
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.ping_interval", "20s")
	v.SetDefault("transport.read_limit", 0)

	// Reconnect
	v.SetDefault("reconnect.enabled", false)
	v.SetDefault("reconnect.backoff.initial_interval", "1s")
	v.SetDefault("reconnect.backoff.randomization_factor", 0.5)
	v.SetDefault("reconnect.backoff.multiplier", 2.0)
	v.SetDefault("reconnect.backoff.max_interval", "30s")
	v.SetDefault("reconnect.backoff.max_elapsed_time", "5m")
	v.SetDefault("reconnect.backoff.per_attempt_timeout", "0s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.addr", "")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampler_ratio", 1.0)
	v.SetDefault("telemetry.timeout", "5s")
	v.SetDefault("telemetry.reconnect_period", "5s")

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "kalshi.market-data")
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.backoff.initial_interval", "100ms")
	v.SetDefault("kafka.backoff.max_interval", "2s")
	v.SetDefault("kafka.backoff.max_elapsed_time", "10s")
}

func decode(input map[string]interface{}, target interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     target,
		DecodeHook: hook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

// Validate проверяет обязательные поля и диапазоны. Возвращает *Error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKeyID) == "" {
		return &Error{Field: "api_key_id", Msg: "is required"}
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		return &Error{Field: "private_key", Msg: "private_key or private_key_file is required"}
	}

	u, err := url.Parse(c.WSURL)
	if err != nil {
		return &Error{Field: "ws_url", Msg: "invalid URL", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &Error{Field: "ws_url", Msg: fmt.Sprintf("scheme must be ws or wss, got %q", u.Scheme)}
	}

	if _, err := auth.ParseSaltProfile(c.Signing.SaltProfile); err != nil {
		return &Error{Field: "signing.salt_profile", Msg: "invalid", Err: err}
	}
	if err := c.Transport.Validate(); err != nil {
		return &Error{Field: "transport", Msg: "invalid", Err: err}
	}
	if err := c.Reconnect.Backoff.Validate(); err != nil {
		return &Error{Field: "reconnect.backoff", Msg: "invalid", Err: err}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "logging.level", Msg: "must be one of [debug, info, warn, error]"}
	}

	if c.HTTP.Addr != "" {
		paths := map[string]string{
			"http.metrics_path": c.HTTP.MetricsPath,
			"http.healthz_path": c.HTTP.HealthzPath,
			"http.readyz_path":  c.HTTP.ReadyzPath,
		}
		for k, p := range paths {
			if !strings.HasPrefix(p, "/") {
				return &Error{Field: k, Msg: "must start with '/'"}
			}
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		field := "telemetry.sampler_ratio"
		if errors.Is(err, telemetry.ErrNoEndpoint) {
			field = "telemetry.otel_endpoint"
		}
		return &Error{Field: field, Msg: "invalid", Err: err}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return &Error{Field: "kafka.brokers", Msg: "is required when kafka is enabled"}
		}
		if c.Kafka.Topic == "" {
			return &Error{Field: "kafka.topic", Msg: "is required when kafka is enabled"}
		}
		switch strings.ToLower(c.Kafka.RequiredAcks) {
		case "all", "leader", "none":
		default:
			return &Error{Field: "kafka.acks", Msg: "must be one of [all, leader, none]"}
		}
		switch strings.ToLower(c.Kafka.Compression) {
		case "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return &Error{Field: "kafka.compression", Msg: "must be one of [none, gzip, snappy, lz4, zstd]"}
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   ACCESSORS
   --------------------------------------------------------------------------
*/

// Credentials возвращает учётные данные для подписи.
func (c *Config) Credentials() auth.Credentials {
	return auth.Credentials{KeyID: c.APIKeyID, PrivateKeyPEM: c.PrivateKey}
}

// SaltProfile возвращает проверенный профиль соли.
func (c *Config) SaltProfile() auth.SaltProfile {
	p, _ := auth.ParseSaltProfile(c.Signing.SaltProfile)
	return p
}

// Session собирает настройки подписки.
func (c *Config) Session() session.Config {
	return session.Config{
		Channels:     append([]string(nil), c.Channels...),
		MarketTicker: c.MarketTicker,
		Reconnect:    c.Reconnect,
	}
}
