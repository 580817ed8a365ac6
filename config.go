package lopata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
)

// ServerConfig is the process-level configuration, read from the
// environment.
type ServerConfig struct {
	Host       string `env:"HOST" envDefault:"127.0.0.1"`
	Port       int    `env:"PORT" envDefault:"8787"`
	DataDir    string `env:"LOPATA_DATA_DIR" envDefault:".lopata"`
	ConfigPath string `env:"LOPATA_CONFIG" envDefault:"wrangler.json"`
	EnvName    string `env:"LOPATA_ENV"`
	LogLevel   string `env:"LOPATA_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOPATA_LOG_FORMAT" envDefault:"text"`
}

// LoadServerConfig parses the environment.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Addr returns the host:port to listen on.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is a project configuration in the wrangler.json shape. Only
// the sections the emulator understands are read.
type Config struct {
	Name              string            `json:"name" validate:"required"`
	CompatibilityDate string            `json:"compatibility_date"`
	Vars              map[string]string `json:"vars"`

	KVNamespaces []KVNamespaceConfig `json:"kv_namespaces" validate:"dive"`
	R2Buckets    []R2BucketConfig    `json:"r2_buckets" validate:"dive"`
	D1Databases  []D1DatabaseConfig  `json:"d1_databases" validate:"dive"`

	Queues         QueuesConfig         `json:"queues"`
	DurableObjects DurableObjectsConfig `json:"durable_objects"`
	Workflows      []WorkflowConfig     `json:"workflows" validate:"dive"`
	Triggers       TriggersConfig       `json:"triggers"`

	SendEmail               []EmailBindingConfig `json:"send_email" validate:"dive"`
	AnalyticsEngineDatasets []AnalyticsConfig    `json:"analytics_engine_datasets" validate:"dive"`
	AI                      *AIConfig            `json:"ai"`

	// Env holds per-environment overlays; a non-empty section in an
	// overlay replaces the base section wholesale.
	Env map[string]*Config `json:"env"`
}

// KVNamespaceConfig binds a name to a KV namespace.
type KVNamespaceConfig struct {
	Binding string `json:"binding" validate:"required"`
	ID      string `json:"id" validate:"required"`
}

// R2BucketConfig binds a name to an object-store bucket.
type R2BucketConfig struct {
	Binding    string `json:"binding" validate:"required"`
	BucketName string `json:"bucket_name" validate:"required"`
}

// D1DatabaseConfig binds a name to a relational database.
type D1DatabaseConfig struct {
	Binding      string `json:"binding" validate:"required"`
	DatabaseName string `json:"database_name" validate:"required"`
}

// QueuesConfig lists producers and consumers.
type QueuesConfig struct {
	Producers []QueueProducerConfig `json:"producers" validate:"dive"`
	Consumers []QueueConsumerConfig `json:"consumers" validate:"dive"`
}

// QueueProducerConfig binds a name to a queue.
type QueueProducerConfig struct {
	Binding string `json:"binding" validate:"required"`
	Queue   string `json:"queue" validate:"required"`
}

// QueueConsumerConfig attaches the registered queue handler to a queue.
type QueueConsumerConfig struct {
	Queue                  string `json:"queue" validate:"required"`
	MaxBatchSize           int    `json:"max_batch_size" validate:"gte=0,lte=100"`
	MaxBatchTimeoutSeconds int    `json:"max_batch_timeout" validate:"gte=0,lte=60"`
	MaxRetries             int    `json:"max_retries" validate:"gte=0,lte=100"`
	DeadLetterQueue        string `json:"dead_letter_queue"`
}

// DurableObjectsConfig lists object bindings.
type DurableObjectsConfig struct {
	Bindings []DurableObjectBindingConfig `json:"bindings" validate:"dive"`
}

// DurableObjectBindingConfig binds a name to a registered class.
type DurableObjectBindingConfig struct {
	Name      string `json:"name" validate:"required"`
	ClassName string `json:"class_name" validate:"required"`
}

// WorkflowConfig binds a name to a registered workflow.
type WorkflowConfig struct {
	Binding string `json:"binding" validate:"required"`
	Name    string `json:"name" validate:"required"`
}

// TriggersConfig lists cron trigger expressions.
type TriggersConfig struct {
	Crons []string `json:"crons"`
}

// EmailBindingConfig binds a name to an email sender.
type EmailBindingConfig struct {
	Name                        string   `json:"name" validate:"required"`
	AllowedDestinationAddresses []string `json:"allowed_destination_addresses"`
}

// AnalyticsConfig binds a name to an analytics dataset.
type AnalyticsConfig struct {
	Binding string `json:"binding" validate:"required"`
	Dataset string `json:"dataset"`
}

// AIConfig binds the inference stub.
type AIConfig struct {
	Binding string `json:"binding" validate:"required"`
}

// LoadConfig reads and validates a project config, applying the named
// environment overlay when envName is non-empty.
func LoadConfig(path, envName string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if envName != "" {
		overlay, ok := cfg.Env[envName]
		if !ok {
			return nil, errValidation("config: environment %q not defined", envName)
		}
		cfg = cfg.apply(overlay)
	}
	cfg.Env = nil
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	for _, expr := range cfg.Triggers.Crons {
		if _, err := ParseCron(expr); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// apply merges an environment overlay over the base config. Scalar
// fields and vars entries override individually; binding lists replace
// wholesale when the overlay defines them.
func (c *Config) apply(overlay *Config) *Config {
	merged := *c
	if overlay.Name != "" {
		merged.Name = overlay.Name
	}
	if overlay.CompatibilityDate != "" {
		merged.CompatibilityDate = overlay.CompatibilityDate
	}
	if len(overlay.Vars) > 0 {
		vars := make(map[string]string, len(c.Vars)+len(overlay.Vars))
		for k, v := range c.Vars {
			vars[k] = v
		}
		for k, v := range overlay.Vars {
			vars[k] = v
		}
		merged.Vars = vars
	}
	if overlay.KVNamespaces != nil {
		merged.KVNamespaces = overlay.KVNamespaces
	}
	if overlay.R2Buckets != nil {
		merged.R2Buckets = overlay.R2Buckets
	}
	if overlay.D1Databases != nil {
		merged.D1Databases = overlay.D1Databases
	}
	if overlay.Queues.Producers != nil || overlay.Queues.Consumers != nil {
		merged.Queues = overlay.Queues
	}
	if overlay.DurableObjects.Bindings != nil {
		merged.DurableObjects = overlay.DurableObjects
	}
	if overlay.Workflows != nil {
		merged.Workflows = overlay.Workflows
	}
	if overlay.Triggers.Crons != nil {
		merged.Triggers = overlay.Triggers
	}
	if overlay.SendEmail != nil {
		merged.SendEmail = overlay.SendEmail
	}
	if overlay.AnalyticsEngineDatasets != nil {
		merged.AnalyticsEngineDatasets = overlay.AnalyticsEngineDatasets
	}
	if overlay.AI != nil {
		merged.AI = overlay.AI
	}
	return &merged
}

// LoadDevVars reads .dev.vars next to the config file, dotenv style.
// Missing files are not an error.
func LoadDevVars(configPath string) (map[string]string, error) {
	path := filepath.Join(filepath.Dir(configPath), ".dev.vars")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	vars := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		vars[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vars, nil
}

// WatchConfig invokes onChange whenever the config file (or .dev.vars
// beside it) is written. It returns a stop function.
func WatchConfig(ctx context.Context, configPath string, log *slog.Logger, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	watched := map[string]bool{
		filepath.Clean(configPath):      true,
		filepath.Join(dir, ".dev.vars"): true,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Info("configuration changed, reloading", "file", ev.Name)
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}
