package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Gthulhu/wfs/models"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Host is the scheduling framework as seen from a scheduling class.
type Host interface {
	// ReschedCurr asks the framework to preempt the task running on cpu at
	// its next scheduling opportunity.
	ReschedCurr(cpu int32)
	// Task resolves a pid in the framework-owned task table. It returns nil
	// once the task has gone away.
	Task(pid int32) *models.Task
}

// SchedClass is the callback table a per-CPU scheduling class exposes to the
// framework. The framework serializes all calls against one instance.
type SchedClass interface {
	// EnqueueTask makes t ready on this instance
	EnqueueTask(t *models.Task, flags models.EnqueueFlags)
	// DequeueTask removes t from the ready set. It always reports success.
	DequeueTask(t *models.Task, flags models.DequeueFlags) bool
	// PickNextTask returns the task that should run next, or nil
	PickNextTask(prev *models.Task) *models.Task
	// PutPrevTask commits the execution time of t, which is being switched out in favour of next
	PutPrevTask(t *models.Task, now uint64, next *models.Task)
	// SetNextTask marks t as the task about to run
	SetNextTask(t *models.Task, now uint64, first bool)
	// UpdateCurr folds the elapsed time of the current task into its accounting
	UpdateCurr(now uint64)
	// TaskTick is called from the periodic timer for the running task
	TaskTick(t *models.Task, now uint64, queued bool)
	SwitchedTo(t *models.Task, now uint64)
	SwitchedFrom(t *models.Task, now uint64)
	WakeupPreempt(t *models.Task, flags models.EnqueueFlags)
	YieldToTask(t *models.Task) bool

	// Multi-instance hooks. The framework calls them even when the class
	// keeps all work local.
	SelectTaskRQ(t *models.Task, prevCPU int32, flags models.EnqueueFlags) int32
	Balance(prev *models.Task) int
	MigrateTaskRQ(t *models.Task, newCPU int32)
	RQOnline()
	RQOffline()
	TaskWoken(t *models.Task)
	SetCPUsAllowed(t *models.Task, mask uint64)

	CPU() int32
	NrRunning() uint32
	Curr() *models.Task
}

type Scheduler struct {
	TickNs        uint64 `yaml:"tick_ns"`
	DefaultWeight uint32 `yaml:"default_weight"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// SchedConfig holds the configuration parameters for creating a scheduling class instance
type SchedConfig struct {
	// Mode specifies which scheduling class to use (e.g., "wfs", "rr")
	Mode string `yaml:"mode"`

	Scheduler Scheduler     `yaml:"scheduler"`
	Metrics   MetricsConfig `yaml:"metrics"`

	// Registerer receives the class collectors when metrics are enabled.
	// Nil means prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer `yaml:"-"`
}

const (
	// DefaultTickNs is TICK_NSEC at HZ=250.
	DefaultTickNs        uint64 = 1000000000 / 250
	DefaultWeight        uint32 = 10
	DefaultMode                 = "wfs"
	DefaultMetricsPrefix        = "wfs"
)

// DefaultSchedConfig returns the configuration used when no file is given.
func DefaultSchedConfig() SchedConfig {
	return SchedConfig{
		Mode: DefaultMode,
		Scheduler: Scheduler{
			TickNs:        DefaultTickNs,
			DefaultWeight: DefaultWeight,
		},
		Metrics: MetricsConfig{
			Namespace: DefaultMetricsPrefix,
		},
	}
}

// Validate checks the fields a class cannot work without.
func (c *SchedConfig) Validate() error {
	if c.Mode == "" {
		return errors.New("mode cannot be empty")
	}
	if c.Scheduler.TickNs == 0 {
		return errors.New("scheduler.tick_ns must be positive")
	}
	if c.Scheduler.DefaultWeight == 0 {
		return errors.New("scheduler.default_weight must be positive")
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Fields missing from the file
// keep their DefaultSchedConfig values.
func LoadConfig(path string) (*SchedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultSchedConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// PluginFactory creates the class instance for one CPU
type PluginFactory func(ctx context.Context, cpu int32, config *SchedConfig, host Host) (SchedClass, error)

var (
	// pluginRegistry stores registered plugin factories
	pluginRegistry = make(map[string]PluginFactory)
	registryMutex  sync.RWMutex
)

// RegisterNewPlugin registers a plugin factory for a specific mode
// This should be called in the init() function of each plugin implementation
func RegisterNewPlugin(mode string, factory PluginFactory) error {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if mode == "" {
		return fmt.Errorf("plugin mode cannot be empty")
	}

	if factory == nil {
		return fmt.Errorf("plugin factory cannot be nil")
	}

	if _, exists := pluginRegistry[mode]; exists {
		return fmt.Errorf("plugin mode '%s' is already registered", mode)
	}

	pluginRegistry[mode] = factory
	return nil
}

// NewSchedulerPlugin creates the class instance for cpu based on the configuration
func NewSchedulerPlugin(ctx context.Context, cpu int32, config *SchedConfig, host Host) (SchedClass, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if host == nil {
		return nil, fmt.Errorf("host cannot be nil")
	}

	registryMutex.RLock()
	factory, exists := pluginRegistry[config.Mode]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown plugin mode: %s", config.Mode)
	}

	return factory(ctx, cpu, config, host)
}

// GetRegisteredModes returns a sorted list of all registered plugin modes
func GetRegisteredModes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	modes := make([]string, 0, len(pluginRegistry))
	for mode := range pluginRegistry {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

// The following helpers are intended for tests only.
func ClearRegistryForTests() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	pluginRegistry = make(map[string]PluginFactory)
}

func SnapshotRegistryForTests() map[string]PluginFactory {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	copyMap := make(map[string]PluginFactory, len(pluginRegistry))
	for k, v := range pluginRegistry {
		copyMap[k] = v
	}
	return copyMap
}

func RestoreRegistryForTests(m map[string]PluginFactory) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	pluginRegistry = m
}
