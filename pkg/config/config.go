package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

type Config struct {
	// Port the coordinator accepts client sessions on
	ClientPort int `yaml:"client_port"`

	// Port the coordinator accepts remote workers on (0 disables remote workers)
	WorkerPort int `yaml:"worker_port"`

	// Status/metrics HTTP port (0 disables the status server)
	StatusPort int `yaml:"status_port"`

	// In-process worker goroutines started with the coordinator
	LocalWorkers int `yaml:"local_workers"`

	// Worker containers to launch through the Docker daemon
	ContainerWorkers int `yaml:"container_workers"`

	// Image used for worker containers
	WorkerImage string `yaml:"worker_image"`

	// CPU sets worker containers are pinned to, one per container slot ("1,5", "2,6", ...)
	WorkerCPUSets []string `yaml:"worker_cpusets"`

	// Worker health base port; container slot i publishes its health endpoint on base+i
	WorkerHealthBasePort int `yaml:"worker_health_base_port"`

	// Optional os/arch platform for worker containers ("linux/amd64")
	WorkerPlatform string `yaml:"worker_platform"`

	// Address remote workers dial (host:port of the coordinator worker listener)
	CoordinatorAddr string `yaml:"coordinator_addr"`

	// Capacity of the bounded per-session outbound result queue
	OutboundQueueSize int `yaml:"outbound_queue_size"`

	// Starting capacity of the growable queues
	InitialQueueCapacity int `yaml:"initial_queue_capacity"`

	// Largest number of tiles one client job may split into
	MaxTiles int `yaml:"max_tiles"`

	// logr verbosity for engine stages (0 = round summaries, 1 = per tile)
	LogVerbosity int `yaml:"log_verbosity"`

	// MQTT broker (host:port) for round events; empty disables publishing
	MQTTBroker string `yaml:"mqtt_broker"`
	MQTTTopic  string `yaml:"mqtt_topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ClientPort:           5000,
		WorkerPort:           5001,
		StatusPort:           3000,
		LocalWorkers:         runtime.NumCPU(),
		WorkerImage:          "fractal-orchestrator-worker:latest",
		WorkerCPUSets:        []string{"1,5", "2,6", "3,7"},
		WorkerHealthBasePort: 8000,
		CoordinatorAddr:      "localhost:5001",
		OutboundQueueSize:    1024,
		InitialQueueCapacity: 64,
		MaxTiles:             protocol.DefaultMaxTiles,
		MQTTTopic:            "fractal/rounds",
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// named by FRACTAL_CONFIG_FILE, and FRACTAL_* environment variables, in that
// order of precedence (environment wins).
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FRACTAL_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ClientPort = getEnvAsInt("FRACTAL_CLIENT_PORT", cfg.ClientPort)
	cfg.WorkerPort = getEnvAsInt("FRACTAL_WORKER_PORT", cfg.WorkerPort)
	cfg.StatusPort = getEnvAsInt("FRACTAL_STATUS_PORT", cfg.StatusPort)
	cfg.LocalWorkers = getEnvAsInt("FRACTAL_LOCAL_WORKERS", cfg.LocalWorkers)
	cfg.ContainerWorkers = getEnvAsInt("FRACTAL_CONTAINER_WORKERS", cfg.ContainerWorkers)
	cfg.WorkerImage = getEnvAsString("FRACTAL_WORKER_IMAGE", cfg.WorkerImage)
	cfg.WorkerCPUSets = getEnvAsList("FRACTAL_WORKER_CPUSETS", cfg.WorkerCPUSets)
	cfg.WorkerHealthBasePort = getEnvAsInt("FRACTAL_WORKER_HEALTH_BASE_PORT", cfg.WorkerHealthBasePort)
	cfg.WorkerPlatform = getEnvAsString("FRACTAL_WORKER_PLATFORM", cfg.WorkerPlatform)
	cfg.CoordinatorAddr = getEnvAsString("FRACTAL_COORDINATOR_ADDR", cfg.CoordinatorAddr)
	cfg.OutboundQueueSize = getEnvAsInt("FRACTAL_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	cfg.InitialQueueCapacity = getEnvAsInt("FRACTAL_INITIAL_QUEUE_CAPACITY", cfg.InitialQueueCapacity)
	cfg.MaxTiles = getEnvAsInt("FRACTAL_MAX_TILES", cfg.MaxTiles)
	cfg.LogVerbosity = getEnvAsInt("FRACTAL_LOG_VERBOSITY", cfg.LogVerbosity)
	cfg.MQTTBroker = getEnvAsString("FRACTAL_MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopic = getEnvAsString("FRACTAL_MQTT_TOPIC", cfg.MQTTTopic)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"client port": c.ClientPort,
		"worker port": c.WorkerPort,
		"status port": c.StatusPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if c.LocalWorkers < 0 || c.ContainerWorkers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if c.ContainerWorkers > len(c.WorkerCPUSets) {
		return fmt.Errorf("%d container workers requested but only %d cpu sets configured",
			c.ContainerWorkers, len(c.WorkerCPUSets))
	}
	if c.OutboundQueueSize < 1 || c.InitialQueueCapacity < 1 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.MaxTiles < 1 {
		return fmt.Errorf("max tiles must be positive, got %d", c.MaxTiles)
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnvAsString(key string, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// getEnvAsList splits on ';' so entries may themselves contain commas.
func getEnvAsList(key string, defaultVal []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
