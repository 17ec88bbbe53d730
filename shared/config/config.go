package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Log         Log           `yaml:"log"`
	ScriptDir   string        `yaml:"script_dir"`
	UserAgent   string        `yaml:"user_agent" validate:"required"`
	RefreshRate time.Duration `yaml:"refresh_rate" validate:"min=1s"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

func Default() *Config {
	return &Config{
		Log:         Log{Level: "info"},
		UserAgent:   "Boardline/1.0",
		RefreshRate: 10 * time.Minute,
	}
}

func MustLoad(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}
	configFile, err := os.ReadFile(configPath)
	if err != nil {
		panic("can't read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(configFile, cfg); err != nil {
		panic("can't unmarshal config file")
	}
	if err := validator.New().Struct(cfg); err != nil {
		panic("invalid config: " + err.Error())
	}
	return cfg
}
