package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/quarryforge/quarry/types"
)

// Config is the full server configuration, loaded from yaml.
type Config struct {
	ApConfig types.ApConfig `yaml:"ap"`
	Server   Server         `yaml:"server"`
	NodeInfo types.NodeInfo `yaml:"nodeinfo"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

func LoadConfig(path string) (Config, error) {
	var config Config

	body, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(body, &config); err != nil {
		return config, errors.Wrapf(err, "parse config %s", path)
	}

	if config.ApConfig.FQDN == "" {
		return config, errors.New("config: ap.fqdn is required")
	}
	if config.Server.Dsn == "" {
		return config, errors.New("config: server.dsn is required")
	}
	return config, nil
}
