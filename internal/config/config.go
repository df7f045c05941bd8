package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines the charge point configuration.
type Config struct {
	Identity      IdentityConfig      `yaml:"identity"`
	CentralSystem CentralSystemConfig `yaml:"centralSystem"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	OCPP          OCPPConfig          `yaml:"ocpp"`
	LocalAPI      LocalAPIConfig      `yaml:"localApi"`
}

// IdentityConfig describes the station as reported in BootNotification.
type IdentityConfig struct {
	ChargePointID   string `yaml:"chargePointId" env:"CP_IDENTITY_ID"`
	Vendor          string `yaml:"vendor" env:"CP_IDENTITY_VENDOR"`
	Model           string `yaml:"model" env:"CP_IDENTITY_MODEL"`
	SerialNumber    string `yaml:"serialNumber" env:"CP_IDENTITY_SERIAL"`
	FirmwareVersion string `yaml:"firmwareVersion" env:"CP_IDENTITY_FIRMWARE"`
}

// CentralSystemConfig holds the websocket endpoint of the Central System.
type CentralSystemConfig struct {
	URL                      string `yaml:"url" env:"CP_CENTRAL_URL"`
	AuthUser                 string `yaml:"authUser" env:"CP_CENTRAL_AUTH_USER"`
	AuthPassword             string `yaml:"authPassword" env:"CP_CENTRAL_AUTH_PASSWORD"`
	CallTimeoutSeconds       int    `yaml:"callTimeoutSeconds" env:"CP_CENTRAL_CALL_TIMEOUT"`
	ReconnectDelaySeconds    int    `yaml:"reconnectDelaySeconds" env:"CP_CENTRAL_RECONNECT_DELAY"`
	ReconnectMaxDelaySeconds int    `yaml:"reconnectMaxDelaySeconds" env:"CP_CENTRAL_RECONNECT_MAX_DELAY"`
}

// DatabaseConfig points at the local persistence database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"CP_POSTGRES_DSN"`
}

// RedisConfig configures the authorization cache backend.
type RedisConfig struct {
	Addr            string `yaml:"addr" env:"CP_REDIS_ADDR"`
	Password        string `yaml:"password" env:"CP_REDIS_PASSWORD"`
	TagCacheTTLMins int    `yaml:"tagCacheTtlMinutes" env:"CP_REDIS_TAG_TTL"`
}

// OCPPConfig carries the OCPP configuration keys the transaction core reads.
type OCPPConfig struct {
	Connectors                  int  `yaml:"connectors" env:"CP_OCPP_CONNECTORS"`
	TransactionMessageAttempts  int  `yaml:"transactionMessageAttempts" env:"CP_OCPP_TX_MESSAGE_ATTEMPTS"`
	TransactionMessageRetrySecs int  `yaml:"transactionMessageRetryInterval" env:"CP_OCPP_TX_MESSAGE_RETRY_INTERVAL"`
	ReserveConnectorZero        bool `yaml:"reserveConnectorZero" env:"CP_OCPP_RESERVE_CONNECTOR_ZERO"`
	MeterValueSampleSecs        int  `yaml:"meterValueSampleInterval" env:"CP_OCPP_METER_SAMPLE_INTERVAL"`
	HeartbeatSecs               int  `yaml:"heartbeatInterval" env:"CP_OCPP_HEARTBEAT_INTERVAL"`
	BootRetrySecs               int  `yaml:"bootRetryInterval" env:"CP_OCPP_BOOT_RETRY_INTERVAL"`
}

// LocalAPIConfig configures the operator HTTP API served next to the client.
type LocalAPIConfig struct {
	Port                 string `yaml:"port" env:"CP_API_PORT"`
	JWTSecret            string `yaml:"jwtSecret" env:"CP_API_JWT_SECRET"`
	TokenTTLMins         int    `yaml:"tokenTtlMinutes" env:"CP_API_TOKEN_TTL"`
	OperatorUser         string `yaml:"operatorUser" env:"CP_API_OPERATOR_USER"`
	OperatorPasswordHash string `yaml:"operatorPasswordHash" env:"CP_API_OPERATOR_PASSWORD_HASH"`
}

// Load applies defaults, reads the shared loader, and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{
		Identity: IdentityConfig{
			Vendor: "DrivePoint",
			Model:  "DP-2",
		},
		CentralSystem: CentralSystemConfig{
			CallTimeoutSeconds:       30,
			ReconnectDelaySeconds:    1,
			ReconnectMaxDelaySeconds: 60,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			TagCacheTTLMins: 1440,
		},
		OCPP: OCPPConfig{
			Connectors:                  2,
			TransactionMessageAttempts:  3,
			TransactionMessageRetrySecs: 10,
			MeterValueSampleSecs:        60,
			HeartbeatSecs:               300,
			BootRetrySecs:               30,
		},
		LocalAPI: LocalAPIConfig{
			Port:         "8090",
			TokenTTLMins: 60,
			OperatorUser: "operator",
		},
	}

	if err := load(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Identity.ChargePointID) == "" {
		return nil, errors.New("config: charge point id is required")
	}
	if strings.TrimSpace(cfg.CentralSystem.URL) == "" {
		return nil, errors.New("config: central system url is required")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn is required")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, errors.New("config: redis addr is required")
	}
	if cfg.OCPP.Connectors < 1 {
		return nil, errors.New("config: at least one connector is required")
	}

	return cfg, nil
}

// APIAddress returns :port style address for the local API.
func (c *Config) APIAddress() string {
	port := strings.TrimSpace(c.LocalAPI.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// CallTimeout returns how long an outbound OCPP call waits for its result.
func (c *Config) CallTimeout() time.Duration {
	if c.CentralSystem.CallTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CentralSystem.CallTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the initial websocket reconnect backoff.
func (c *Config) ReconnectDelay() time.Duration {
	if c.CentralSystem.ReconnectDelaySeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.CentralSystem.ReconnectDelaySeconds) * time.Second
}

// ReconnectMaxDelay returns the websocket reconnect backoff ceiling.
func (c *Config) ReconnectMaxDelay() time.Duration {
	if c.CentralSystem.ReconnectMaxDelaySeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.CentralSystem.ReconnectMaxDelaySeconds) * time.Second
}

// TransactionMessageRetryInterval returns the flat backoff between queue retries.
func (c *Config) TransactionMessageRetryInterval() time.Duration {
	if c.OCPP.TransactionMessageRetrySecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.OCPP.TransactionMessageRetrySecs) * time.Second
}

// MeterValueSampleInterval returns the period of sampled meter values.
func (c *Config) MeterValueSampleInterval() time.Duration {
	if c.OCPP.MeterValueSampleSecs <= 0 {
		return time.Minute
	}
	return time.Duration(c.OCPP.MeterValueSampleSecs) * time.Second
}

// HeartbeatInterval returns the fallback heartbeat period when the Central
// System does not negotiate one in BootNotification.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.OCPP.HeartbeatSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.OCPP.HeartbeatSecs) * time.Second
}

// BootRetryInterval returns the wait between BootNotification attempts.
func (c *Config) BootRetryInterval() time.Duration {
	if c.OCPP.BootRetrySecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.OCPP.BootRetrySecs) * time.Second
}

// TagCacheTTL returns how long cached idTag authorizations stay valid.
func (c *Config) TagCacheTTL() time.Duration {
	if c.Redis.TagCacheTTLMins <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TagCacheTTLMins) * time.Minute
}

// TokenTTL returns the lifetime of operator API tokens.
func (c *Config) TokenTTL() time.Duration {
	if c.LocalAPI.TokenTTLMins <= 0 {
		return time.Hour
	}
	return time.Duration(c.LocalAPI.TokenTTLMins) * time.Minute
}
