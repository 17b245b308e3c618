package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Redis RedisConfig `yaml:"redis"`

	OutputDir        string `yaml:"output_dir"`
	MinFileSize      int64  `yaml:"min_file_size"`
	BatchSize        int    `yaml:"batch_size"`
	Workers          int    `yaml:"workers"`
	MatchParallelism int    `yaml:"match_parallelism"`
	ReverseOrder     bool   `yaml:"reverse_resolvers_order"`

	SnapshotRefreshInterval time.Duration `yaml:"snapshot_refresh_interval"`
	FullInterval            time.Duration `yaml:"full_interval"`
	IncrementalInterval     time.Duration `yaml:"incremental_interval"`
	StartDelayMin           time.Duration `yaml:"start_delay_min"`
	StartDelayMax           time.Duration `yaml:"start_delay_max"`

	Kafka  KafkaConfig  `yaml:"kafka"`
	S3     S3Config     `yaml:"s3"`
	Notify NotifyConfig `yaml:"notify"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
	Only      bool   `yaml:"only"`
}

func (s S3Config) Enabled() bool {
	return s.Endpoint != ""
}

type NotifyConfig struct {
	URLTemplate string        `yaml:"url_template"`
	Method      string        `yaml:"method"`
	Timeout     time.Duration `yaml:"timeout"`
	Rate        float64       `yaml:"rate"`
}

func (n NotifyConfig) Enabled() bool {
	return n.URLTemplate != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envParser keeps the first parse error so Load can read every key in one pass.
type envParser struct {
	err error
}

func (p *envParser) int(key string, def int) int {
	raw := getenv(key, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	return v
}

func (p *envParser) float(key string, def float64) float64 {
	raw := getenv(key, strconv.FormatFloat(def, 'f', -1, 64))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	return v
}

func (p *envParser) bool(key string, def bool) bool {
	raw := getenv(key, strconv.FormatBool(def))
	v, err := strconv.ParseBool(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	return v
}

func (p *envParser) duration(key, def string) time.Duration {
	raw := getenv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the environment, applies the YAML file named by CONFIG_FILE on
// top of it, and validates the result.
func Load() (Config, error) {
	var p envParser
	cfg := Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		GRPCAddr: getenv("GRPC_ADDR", ":9090"),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       p.int("REDIS_DB", 0),
		},
		OutputDir:        getenv("OUTPUT_DIR", os.TempDir()),
		MinFileSize:      int64(p.int("MIN_FILE_SIZE", 2)),
		BatchSize:        p.int("BATCH_SIZE", 20),
		Workers:          p.int("WORKERS", 4),
		MatchParallelism: p.int("MATCH_PARALLELISM", 1),
		ReverseOrder:     p.bool("REVERSE_RESOLVERS_ORDER", false),

		SnapshotRefreshInterval: p.duration("SNAPSHOT_REFRESH_INTERVAL", "10m"),
		FullInterval:            p.duration("FULL_INTERVAL", "0s"),
		IncrementalInterval:     p.duration("INCREMENTAL_INTERVAL", "0s"),
		StartDelayMin:           p.duration("START_DELAY_MIN", "60s"),
		StartDelayMax:           p.duration("START_DELAY_MAX", "240s"),

		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   os.Getenv("KAFKA_TOPIC"),
			GroupID: os.Getenv("KAFKA_GROUP_ID"),
		},
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    os.Getenv("S3_REGION"),
			Secure:    p.bool("S3_SECURE", false),
			Only:      p.bool("S3_ONLY", false),
		},
		Notify: NotifyConfig{
			URLTemplate: os.Getenv("NOTIFY_URL_TEMPLATE"),
			Method:      getenv("NOTIFY_METHOD", "POST"),
			Timeout:     p.duration("NOTIFY_TIMEOUT", "2s"),
			Rate:        p.float("NOTIFY_RATE", 20),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OutputDir == "" && !c.S3.Only {
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}
	if c.MinFileSize < 0 {
		return fmt.Errorf("MIN_FILE_SIZE must be >=0, got %d", c.MinFileSize)
	}

	// out of range batch sizes are clamped, not rejected
	if c.BatchSize < 10 {
		c.BatchSize = 10
	}
	if c.BatchSize > 100 {
		c.BatchSize = 100
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be >=1, got %d", c.Workers)
	}
	if c.MatchParallelism < 1 {
		return fmt.Errorf("MATCH_PARALLELISM must be >=1, got %d", c.MatchParallelism)
	}

	if d := c.SnapshotRefreshInterval; d < time.Minute {
		return fmt.Errorf("SNAPSHOT_REFRESH_INTERVAL too small (%s), must be >=1m", d)
	} else if d > 24*time.Hour {
		return fmt.Errorf("SNAPSHOT_REFRESH_INTERVAL too large (%s), must be <=24h", d)
	}
	if d := c.FullInterval; d != 0 && d < time.Minute {
		return fmt.Errorf("FULL_INTERVAL too small (%s), must be 0 or >=1m", d)
	}
	if d := c.IncrementalInterval; d != 0 && d < 10*time.Second {
		return fmt.Errorf("INCREMENTAL_INTERVAL too small (%s), must be 0 or >=10s", d)
	}
	if c.StartDelayMin < 0 || c.StartDelayMax < c.StartDelayMin {
		return fmt.Errorf("START_DELAY_MIN (%s) and START_DELAY_MAX (%s) must satisfy 0 <= min <= max",
			c.StartDelayMin, c.StartDelayMax)
	}

	k := c.Kafka
	if set := btoi(len(k.Brokers) > 0) + btoi(k.Topic != "") + btoi(k.GroupID != ""); set != 0 && set != 3 {
		return fmt.Errorf("KAFKA_BROKERS, KAFKA_TOPIC and KAFKA_GROUP_ID must be set together")
	}
	if c.IncrementalInterval > 0 && !k.Enabled() {
		return fmt.Errorf("INCREMENTAL_INTERVAL requires kafka change events")
	}

	if c.S3.Enabled() && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENDPOINT is set")
	}
	if c.S3.Only && !c.S3.Enabled() {
		return fmt.Errorf("S3_ONLY requires S3_ENDPOINT")
	}

	if c.Notify.Enabled() {
		if !strings.Contains(c.Notify.URLTemplate, "%d") {
			return fmt.Errorf("NOTIFY_URL_TEMPLATE must contain %%d, got %q", c.Notify.URLTemplate)
		}
		if c.Notify.Timeout <= 0 {
			return fmt.Errorf("NOTIFY_TIMEOUT must be positive")
		}
		if c.Notify.Rate <= 0 {
			return fmt.Errorf("NOTIFY_RATE must be positive")
		}
	}
	return nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
