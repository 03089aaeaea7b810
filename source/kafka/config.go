package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DriverGroup     = "sarama"
	DriverPartition = "partition"
)

// Format says how a record value becomes a row.
type Format string

const (
	// FormatRow values are positional JSON arrays matching the configured
	// schema.
	FormatRow Format = "row"
	// FormatRaw exposes the record itself: key, value, topic, partition,
	// offset and timestamp.
	FormatRaw Format = "raw"
)

// EnvPrefix overrides any loaded key, e.g. HOPFLOW_KAFKA__CHECKPOINT__COMMIT_INTERVAL.
const EnvPrefix = "HOPFLOW_KAFKA__"

type ThrottleCfg struct {
	Capacity int64         `koanf:"capacity"` // 0 = unthrottled
	Refill   int64         `koanf:"refill"`
	Interval time.Duration `koanf:"interval"`
}

type CheckpointCfg struct {
	CommitInt   time.Duration `koanf:"commit_interval"` // flush cadence
	CommitEvery int64         `koanf:"commit_every"`    // 0 = time based only
}

type Config struct {
	Driver    string   `koanf:"driver"`
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	Format     Format        `koanf:"format"`
	MaxRecords int64         `koanf:"max_records"` // 0 = until stopped
	Throttle   ThrottleCfg   `koanf:"throttle"`
	Checkpoint CheckpointCfg `koanf:"checkpoint"`
}

// LoadConfig layers the YAML file at path (optional), the overrides taken
// from the transform configuration and finally the environment.
func LoadConfig(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, ""), nil); err != nil {
			return Config{}, err
		}
	}
	_ = k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = DriverGroup
	}
	if c.Version == "" {
		c.Version = sarama.DefaultVersion.String()
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.Format == "" {
		c.Format = FormatRow
	}
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.Throttle.Capacity > 0 {
		if c.Throttle.Refill <= 0 {
			c.Throttle.Refill = max(c.Throttle.Capacity/10, 1)
		}
		if c.Throttle.Interval <= 0 {
			c.Throttle.Interval = 100 * time.Millisecond
		}
	}
}

func (c Config) validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka: no brokers")
	case len(c.Topics) == 0:
		return errors.New("kafka: no topics")
	case c.Driver == DriverGroup && c.GroupID == "":
		return errors.New("kafka: group_id is required by the consumer group driver")
	case c.StartFrom != "oldest" && c.StartFrom != "newest":
		return fmt.Errorf("kafka: start_from %q (want oldest or newest)", c.StartFrom)
	case c.Format != FormatRow && c.Format != FormatRaw:
		return fmt.Errorf("kafka: format %q (want row or raw)", c.Format)
	case c.MaxRecords < 0:
		return fmt.Errorf("kafka: max_records %d is negative", c.MaxRecords)
	}
	if _, err := sarama.ParseKafkaVersion(c.Version); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

// initialOffset is where a partition without a committed offset starts.
func (c Config) initialOffset() int64 {
	if c.StartFrom == "oldest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

func (c Config) saramaConfig() (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = c.initialOffset()
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if c.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if c.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = c.SASLUser, c.SASLPass
	}
	return sc, nil
}
