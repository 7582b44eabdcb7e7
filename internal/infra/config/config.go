package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App           AppSettings           `mapstructure:"app"`
	Storage       StorageSettings       `mapstructure:"storage"`
	Postgres      PostgresSettings      `mapstructure:"postgres"`
	Redis         RedisSettings         `mapstructure:"redis"`
	Kafka         KafkaSettings         `mapstructure:"kafka"`
	JWT           JWTSettings           `mapstructure:"jwt"`
	Lockout       LockoutSettings       `mapstructure:"lockout"`
	OTP           OTPSettings           `mapstructure:"otp"`
	TOTP          TOTPSettings          `mapstructure:"totp"`
	PasswordReset PasswordResetSettings `mapstructure:"password_reset"`
	Session       SessionSettings       `mapstructure:"session"`
	RateLimit     RateLimitSettings     `mapstructure:"rate_limit"`
	Argon2        Argon2Settings        `mapstructure:"argon2"`
	Password      PasswordSettings      `mapstructure:"password"`
	Sweeper       SweeperSettings       `mapstructure:"sweeper"`
	Telemetry     TelemetrySettings     `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageSettings selects the credential store backend.
type StorageSettings struct {
	Driver        string `mapstructure:"driver"`
	RunMigrations bool   `mapstructure:"run_migrations"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	DB              int    `mapstructure:"db"`
	Password        string `mapstructure:"password"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"`
	RateLimitPrefix string `mapstructure:"rate_limit_prefix"`
}

// KafkaSettings configures the notification and audit producer
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type JWTSettings struct {
	Issuer          string        `mapstructure:"issuer"`
	AccessSecret    string        `mapstructure:"access_secret"`
	RefreshSecret   string        `mapstructure:"refresh_secret"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// LockoutSettings configures the per-identity failed login lock.
type LockoutSettings struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Duration    time.Duration `mapstructure:"duration"`
}

type OTPSettings struct {
	TTL time.Duration `mapstructure:"ttl"`
	// MaxAttempts wrong codes burn the outstanding code of an identity.
	MaxAttempts int `mapstructure:"max_attempts"`
}

type TOTPSettings struct {
	Issuer string `mapstructure:"issuer"`
	Period uint   `mapstructure:"period"`
	Skew   uint   `mapstructure:"skew"`
	Digits int    `mapstructure:"digits"`
	QRSize int    `mapstructure:"qr_size"`
}

type PasswordResetSettings struct {
	TTL                time.Duration `mapstructure:"ttl"`
	InvalidatePrevious bool          `mapstructure:"invalidate_previous"`
}

type SessionSettings struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RateLimitSettings configures the fixed window and max attempts per route
type RateLimitSettings struct {
	Backend                  string        `mapstructure:"backend"`
	WindowDuration           time.Duration `mapstructure:"window_duration"`
	LoginMaxAttempts         int           `mapstructure:"login_max_attempts"`
	RegisterMaxAttempts      int           `mapstructure:"register_max_attempts"`
	RefreshMaxAttempts       int           `mapstructure:"refresh_max_attempts"`
	PasswordResetMaxAttempts int           `mapstructure:"password_reset_max_attempts"`
	OTPResendMaxAttempts     int           `mapstructure:"otp_resend_max_attempts"`
	OTPVerifyMaxAttempts     int           `mapstructure:"otp_verify_max_attempts"`
}

// Argon2Settings configures Argon2id password hashing parameters
type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

type PasswordSettings struct {
	MinLength           int `mapstructure:"min_length"`
	MinCharacterClasses int `mapstructure:"min_character_classes"`
	MinStrengthScore    int `mapstructure:"min_strength_score"`
}

type SweeperSettings struct {
	Interval time.Duration `mapstructure:"interval"`
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("AUTH")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"storage.driver",
		"storage.run_migrations",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.enabled",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.rate_limit_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"jwt.issuer",
		"jwt.access_secret",
		"jwt.refresh_secret",
		"jwt.access_token_ttl",
		"jwt.refresh_token_ttl",
		"lockout.max_attempts",
		"lockout.duration",
		"otp.ttl",
		"otp.max_attempts",
		"totp.issuer",
		"totp.period",
		"totp.skew",
		"totp.digits",
		"totp.qr_size",
		"password_reset.ttl",
		"password_reset.invalidate_previous",
		"session.ttl",
		"rate_limit.backend",
		"rate_limit.window_duration",
		"rate_limit.login_max_attempts",
		"rate_limit.register_max_attempts",
		"rate_limit.refresh_max_attempts",
		"rate_limit.password_reset_max_attempts",
		"rate_limit.otp_resend_max_attempts",
		"rate_limit.otp_verify_max_attempts",
		"argon2.memory",
		"argon2.iterations",
		"argon2.parallelism",
		"argon2.salt_length",
		"argon2.key_length",
		"password.min_length",
		"password.min_character_classes",
		"password.min_strength_score",
		"sweeper.interval",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the credential flows cannot run with.
func (c *AppConfig) Validate() error {
	if len(c.JWT.AccessSecret) < 32 || len(c.JWT.RefreshSecret) < 32 {
		return fmt.Errorf("config: jwt access and refresh secrets must be at least 32 bytes")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return fmt.Errorf("config: jwt access and refresh secrets must differ")
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("config: redis rate limit backend requires redis.enabled")
	}
	if c.Lockout.MaxAttempts <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("config: lockout max attempts and duration must be positive")
	}
	// a client must be able to reach the lockout threshold before its login window closes
	if c.RateLimit.LoginMaxAttempts <= c.Lockout.MaxAttempts {
		return fmt.Errorf("config: rate_limit.login_max_attempts (%d) must exceed lockout.max_attempts (%d)",
			c.RateLimit.LoginMaxAttempts, c.Lockout.MaxAttempts)
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("config: otp max attempts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "storefront-auth")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8081)

	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.run_migrations", true)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "storefront")
	v.SetDefault("postgres.password", "storefront_password")
	v.SetDefault("postgres.database", "storefront")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.rate_limit_prefix", "auth:ratelimit")

	// Empty broker list selects the logging publisher.
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "storefront")

	v.SetDefault("jwt.issuer", "storefront-auth")
	v.SetDefault("jwt.access_token_ttl", "15m")
	v.SetDefault("jwt.refresh_token_ttl", "168h")

	v.SetDefault("lockout.max_attempts", 5)
	v.SetDefault("lockout.duration", "30m")

	v.SetDefault("otp.ttl", "10m")
	v.SetDefault("otp.max_attempts", 5)

	v.SetDefault("totp.issuer", "Storefront")
	v.SetDefault("totp.period", 30)
	v.SetDefault("totp.skew", 2)
	v.SetDefault("totp.digits", 6)
	v.SetDefault("totp.qr_size", 256)

	v.SetDefault("password_reset.ttl", "60m")
	v.SetDefault("password_reset.invalidate_previous", false)

	v.SetDefault("session.ttl", "720h")

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.window_duration", "15m")
	v.SetDefault("rate_limit.login_max_attempts", 10)
	v.SetDefault("rate_limit.register_max_attempts", 5)
	v.SetDefault("rate_limit.refresh_max_attempts", 30)
	v.SetDefault("rate_limit.password_reset_max_attempts", 5)
	v.SetDefault("rate_limit.otp_resend_max_attempts", 5)
	v.SetDefault("rate_limit.otp_verify_max_attempts", 10)

	v.SetDefault("argon2.memory", 65536) // 64 MB
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("password.min_length", 8)
	v.SetDefault("password.min_character_classes", 3)
	v.SetDefault("password.min_strength_score", 0)

	v.SetDefault("sweeper.interval", "10m")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "storefront-auth")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "AUTH_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
