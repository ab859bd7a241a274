package plugin

import (
	"context"

	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
)

type (
	Host          = reg.Host
	SchedClass    = reg.SchedClass
	SchedConfig   = reg.SchedConfig
	Scheduler     = reg.Scheduler
	MetricsConfig = reg.MetricsConfig
	PluginFactory = reg.PluginFactory
)

// RegisterNewPlugin registers a factory for mode. See registry.RegisterNewPlugin.
func RegisterNewPlugin(mode string, factory PluginFactory) error {
	return reg.RegisterNewPlugin(mode, factory)
}

// NewSchedulerPlugin creates the scheduling class instance for one CPU.
func NewSchedulerPlugin(ctx context.Context, cpu int32, config *SchedConfig, host Host) (SchedClass, error) {
	return reg.NewSchedulerPlugin(ctx, cpu, config, host)
}

// GetRegisteredModes lists the modes that can be passed in SchedConfig.Mode.
func GetRegisteredModes() []string {
	return reg.GetRegisteredModes()
}

func DefaultSchedConfig() SchedConfig {
	return reg.DefaultSchedConfig()
}

// LoadConfig reads a YAML configuration file on top of DefaultSchedConfig.
func LoadConfig(path string) (*SchedConfig, error) {
	return reg.LoadConfig(path)
}
