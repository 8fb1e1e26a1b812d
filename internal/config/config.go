package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all configuration for the alice service
type Config struct {
	Service struct {
		Interface      string
		Port           int
		GracePeriod    time.Duration
		DropNoActivity int // seconds before an idle connection is dropped
	}

	Economy struct {
		Wallets      int
		TickInterval time.Duration
		LogLimit     int
		Seed         uint64 // 0 picks a random seed
	}

	Store struct {
		Path string // SQLite transaction log; empty disables it
	}

	Events struct {
		Brokers []string // Kafka brokers; empty disables publishing
		Topic   string
	}

	Logging struct {
		Path          string
		Debug         bool
		MaxLines      int
		RetentionDays int
	}

	HTTP struct {
		Logins map[string]string
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config

	cfg.Service.Interface = "0.0.0.0"
	cfg.Service.Port = 3000
	cfg.Service.GracePeriod = 5 * time.Second
	cfg.Service.DropNoActivity = 120

	cfg.Economy.Wallets = 100
	cfg.Economy.TickInterval = time.Second
	cfg.Economy.LogLimit = 1000

	cfg.Events.Topic = "alice.transactions"

	cfg.Logging.MaxLines = 600 // rotate logs after 600 lines
	cfg.Logging.RetentionDays = 40

	cfg.HTTP.Logins = make(map[string]string)

	return &cfg
}

// Address is the listen address of the service socket.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Interface, c.Service.Port)
}

// LoadConfig loads the configuration from the specified INI file.
// When required is false a missing file yields the defaults.
func LoadConfig(path string, required bool) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if required {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load config file: %w", err)
	}

	// [SERVICE] section
	svcSec := iniFile.Section("SERVICE")
	cfg.Service.Interface = svcSec.Key("Interface").MustString(cfg.Service.Interface)
	cfg.Service.Port = svcSec.Key("Port").MustInt(cfg.Service.Port)
	cfg.Service.GracePeriod = svcSec.Key("GracePeriod").MustDuration(cfg.Service.GracePeriod)
	cfg.Service.DropNoActivity = svcSec.Key("DropNoActivity").MustInt(cfg.Service.DropNoActivity)

	// [ECONOMY] section
	ecoSec := iniFile.Section("ECONOMY")
	cfg.Economy.Wallets = ecoSec.Key("Wallets").MustInt(cfg.Economy.Wallets)
	cfg.Economy.TickInterval = ecoSec.Key("TickInterval").MustDuration(cfg.Economy.TickInterval)
	cfg.Economy.LogLimit = ecoSec.Key("LogLimit").MustInt(cfg.Economy.LogLimit)
	cfg.Economy.Seed = ecoSec.Key("Seed").MustUint64(0)

	// [STORE] section
	cfg.Store.Path = iniFile.Section("STORE").Key("Path").String()

	// [EVENTS] section
	evSec := iniFile.Section("EVENTS")
	for _, broker := range evSec.Key("Brokers").Strings(",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Events.Brokers = append(cfg.Events.Brokers, broker)
		}
	}
	cfg.Events.Topic = evSec.Key("Topic").MustString(cfg.Events.Topic)

	// [LOGGING] section
	logSec := iniFile.Section("LOGGING")
	cfg.Logging.Path = logSec.Key("Path").String()
	cfg.Logging.Debug = logSec.Key("Debug").MustBool(false)
	cfg.Logging.MaxLines = logSec.Key("MaxLines").MustInt(cfg.Logging.MaxLines)
	cfg.Logging.RetentionDays = logSec.Key("RetentionDays").MustInt(cfg.Logging.RetentionDays)

	// [HTTP_LOGINS] section
	for _, key := range iniFile.Section("HTTP_LOGINS").Keys() {
		cfg.HTTP.Logins[key.Name()] = key.String()
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if logPath := os.Getenv("LOG_PATH"); logPath != "" {
		c.Logging.Path = logPath
	}
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Service.Port < 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Service.Port)
	}
	if c.Service.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative: %s", c.Service.GracePeriod)
	}
	// The named wallets, including the Millionaire at index 6, need at
	// least two anonymous wallets beside them for the simulation.
	if c.Economy.Wallets < 9 {
		return fmt.Errorf("economy needs at least 9 wallets, got %d", c.Economy.Wallets)
	}
	if c.Economy.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive: %s", c.Economy.TickInterval)
	}
	if c.Economy.LogLimit < 0 {
		return fmt.Errorf("log limit must not be negative: %d", c.Economy.LogLimit)
	}
	return nil
}

// Save writes the current configuration to the specified file
func (c *Config) Save(path string) error {
	file := ini.Empty()

	// [SERVICE] section
	svcSec, _ := file.NewSection("SERVICE")
	svcSec.NewKey("Interface", c.Service.Interface)
	svcSec.NewKey("Port", fmt.Sprintf("%d", c.Service.Port))
	svcSec.NewKey("GracePeriod", c.Service.GracePeriod.String())
	svcSec.NewKey("DropNoActivity", fmt.Sprintf("%d", c.Service.DropNoActivity))

	// [ECONOMY] section
	ecoSec, _ := file.NewSection("ECONOMY")
	ecoSec.NewKey("Wallets", fmt.Sprintf("%d", c.Economy.Wallets))
	ecoSec.NewKey("TickInterval", c.Economy.TickInterval.String())
	ecoSec.NewKey("LogLimit", fmt.Sprintf("%d", c.Economy.LogLimit))
	ecoSec.NewKey("Seed", fmt.Sprintf("%d", c.Economy.Seed))

	// [STORE] section
	storeSec, _ := file.NewSection("STORE")
	storeSec.NewKey("Path", c.Store.Path)

	// [EVENTS] section
	evSec, _ := file.NewSection("EVENTS")
	evSec.NewKey("Brokers", strings.Join(c.Events.Brokers, ","))
	evSec.NewKey("Topic", c.Events.Topic)

	// [LOGGING] section
	logSec, _ := file.NewSection("LOGGING")
	logSec.NewKey("Path", c.Logging.Path)
	logSec.NewKey("Debug", fmt.Sprintf("%t", c.Logging.Debug))
	logSec.NewKey("MaxLines", fmt.Sprintf("%d", c.Logging.MaxLines))
	logSec.NewKey("RetentionDays", fmt.Sprintf("%d", c.Logging.RetentionDays))

	// [HTTP_LOGINS] section
	loginSec, _ := file.NewSection("HTTP_LOGINS")
	for user, pass := range c.HTTP.Logins {
		loginSec.NewKey(user, pass)
	}

	return file.SaveTo(path)
}
