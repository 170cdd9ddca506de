package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v2"
)

// Config 是运行时配置，按组件分节
type Config struct {
	Poller struct {
		NumLoops int `yaml:"numLoops"`
	} `yaml:"poller"`
	Shm struct {
		RingCapacity int `yaml:"ringCapacity"`
	} `yaml:"shm"`
	Cma struct {
		Workers int `yaml:"workers"`
	} `yaml:"cma"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Poller.NumLoops = runtime.GOMAXPROCS(0)/20 + 1
	cfg.Shm.RingCapacity = 2 * 1024 * 1024
	cfg.Cma.Workers = 1
	return cfg
}

// Load 从 yaml 文件加载配置，缺省字段用默认值补齐
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置合法性。环形缓冲区容量必须是 2 的幂。
func (c *Config) Validate() error {
	if c.Poller.NumLoops < 1 {
		return fmt.Errorf("poller.numLoops must be >= 1, got %d", c.Poller.NumLoops)
	}
	if c.Shm.RingCapacity < 16 || c.Shm.RingCapacity&(c.Shm.RingCapacity-1) != 0 {
		return fmt.Errorf("shm.ringCapacity must be a power of two >= 16, got %d", c.Shm.RingCapacity)
	}
	if c.Cma.Workers < 1 {
		return fmt.Errorf("cma.workers must be >= 1, got %d", c.Cma.Workers)
	}
	return nil
}
