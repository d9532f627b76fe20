package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry "30s" style values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the presence mirror
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

type AppConfig struct {
	NodeID         int64       `yaml:"nodeId"`
	Port           int         `yaml:"port"`
	JwtSecret      string      `yaml:"jwtSecret"`
	HeartbeatEvery Duration    `yaml:"heartbeatEvery"`
	SweepEvery     Duration    `yaml:"sweepEvery"`
	WriteTimeout   Duration    `yaml:"writeTimeout"`
	PresenceTTL    Duration    `yaml:"presenceTTL"`
	Redis          RedisConfig `yaml:"redis"`
	Log            LogConfig   `yaml:"log"`
}

func Default() AppConfig {
	return AppConfig{
		NodeID:         1,
		Port:           8080,
		JwtSecret:      "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
		HeartbeatEvery: Duration(30 * time.Second),
		SweepEvery:     Duration(60 * time.Second),
		WriteTimeout:   Duration(5 * time.Second),
		PresenceTTL:    Duration(90 * time.Second),
		Log:            LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. Missing keys keep their default.
func Load(path string) (AppConfig, error) {
	conf := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &conf); err != nil {
		return conf, errors.Wrapf(err, "parse config %s", path)
	}
	conf.norm()
	return conf, nil
}

func (c *AppConfig) norm() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = Duration(30 * time.Second)
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = Duration(60 * time.Second)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = Duration(5 * time.Second)
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = Duration(90 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c AppConfig) JwtSecretBytes() []byte {
	return []byte(c.JwtSecret)
}
