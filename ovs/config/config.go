package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration written as text, e.g. "1.5s", in TOML and JSON.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

type Config struct {
	// Timeout bounds queueing a transaction and waiting for its result,
	// retries included.
	Timeout Duration `toml:"timeout" json:"timeout"`
	// PollInterval wakes the connection loop even when the cache reports no
	// input.
	PollInterval Duration `toml:"poll-interval" json:"poll-interval"`
	// RetryBackoff is the minimum interval between two input processing
	// attempts after the cache reported an error.
	RetryBackoff Duration `toml:"retry-backoff" json:"retry-backoff"`

	StatusAddr string `toml:"status-addr" json:"status-addr"`
	// SchemaFile is the database schema, JSON or YAML.
	SchemaFile string `toml:"schema-file" json:"schema-file"`
	// DataFile holds rows loaded into the cache at startup.
	DataFile string `toml:"data-file" json:"data-file"`
	// LockName makes commits require the named database lock.
	LockName string `toml:"lock-name" json:"lock-name"`

	Log log.Config `toml:"log" json:"log"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

const (
	defaultTimeout      = 5 * time.Second
	defaultPollInterval = time.Second
	defaultRetryBackoff = 100 * time.Millisecond
	defaultStatusAddr   = "127.0.0.1:6641"
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Timeout:      NewDuration(defaultTimeout),
		PollInterval: NewDuration(defaultPollInterval),
		RetryBackoff: NewDuration(defaultRetryBackoff),
		StatusAddr:   defaultStatusAddr,
		Log:          log.Config{Level: getLogLevel()},
	}
}

func NewTestConfig() *Config {
	return &Config{
		Timeout:      NewDuration(time.Second),
		PollInterval: NewDuration(10 * time.Millisecond),
		RetryBackoff: NewDuration(time.Millisecond),
		StatusAddr:   "127.0.0.1:0",
		Log:          log.Config{Level: getLogLevel()},
	}
}

// Load reads a TOML file on top of the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		errInfo := "Config contains undefined item: "
		for i, key := range undecoded {
			if i > 0 {
				errInfo += ", "
			}
			errInfo += key.String()
		}
		return nil, errors.New(errInfo)
	}
	c.Adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust fills zero values with defaults.
func (c *Config) Adjust() {
	adjustDuration(&c.Timeout, defaultTimeout)
	adjustDuration(&c.PollInterval, defaultPollInterval)
	if c.StatusAddr == "" {
		c.StatusAddr = defaultStatusAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = getLogLevel()
	}
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	if c.Timeout.Duration <= 0 {
		return errors.New("timeout must be greater than 0")
	}
	if c.PollInterval.Duration <= 0 {
		return errors.New("poll-interval must be greater than 0")
	}
	if c.RetryBackoff.Duration < 0 {
		return errors.New("retry-backoff must not be negative")
	}
	if c.PollInterval.Duration > c.Timeout.Duration {
		log.Warn("poll-interval is longer than timeout, idle connections react slowly",
			zap.Duration("poll-interval", c.PollInterval.Duration),
			zap.Duration("timeout", c.Timeout.Duration))
	}
	return nil
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
