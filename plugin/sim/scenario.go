package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted workload, usually read from YAML:
//
//	cpus: 1
//	ticks: 1000
//	tasks:
//	  - pid: 100
//	    weight: 20
//	  - pid: 200
//	    weight: 10
//	    spawn: 50
//	    sleeps:
//	      - {at: 100, for: 30}
type Scenario struct {
	CPUs  int        `yaml:"cpus"`
	Ticks int        `yaml:"ticks"`
	Tasks []TaskSpec `yaml:"tasks"`
}

type TaskSpec struct {
	Pid    int32   `yaml:"pid"`
	Weight uint32  `yaml:"weight"`
	CPU    int32   `yaml:"cpu"`
	Spawn  int     `yaml:"spawn"` // tick the task is created at
	Exit   int     `yaml:"exit"`  // tick the task exits at, 0 for never
	Sleeps []Sleep `yaml:"sleeps"`
}

// Sleep blocks a task at tick At for For ticks.
type Sleep struct {
	At  int `yaml:"at"`
	For int `yaml:"for"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc := &Scenario{CPUs: 1}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return sc, nil
}

func (sc *Scenario) Validate() error {
	if sc.CPUs < 1 {
		return fmt.Errorf("cpus must be positive, got %d", sc.CPUs)
	}
	if sc.Ticks < 1 {
		return fmt.Errorf("ticks must be positive, got %d", sc.Ticks)
	}
	seen := make(map[int32]bool, len(sc.Tasks))
	for _, ts := range sc.Tasks {
		if ts.Pid <= 0 {
			return fmt.Errorf("invalid pid %d", ts.Pid)
		}
		if seen[ts.Pid] {
			return fmt.Errorf("duplicate pid %d", ts.Pid)
		}
		seen[ts.Pid] = true
		if ts.CPU < 0 || int(ts.CPU) >= sc.CPUs {
			return fmt.Errorf("pid %d: cpu %d out of range", ts.Pid, ts.CPU)
		}
		if ts.Exit != 0 && ts.Exit <= ts.Spawn {
			return fmt.Errorf("pid %d: exit tick %d not after spawn tick %d", ts.Pid, ts.Exit, ts.Spawn)
		}
		for _, sl := range ts.Sleeps {
			if sl.At <= ts.Spawn || sl.For < 1 {
				return fmt.Errorf("pid %d: invalid sleep at %d for %d", ts.Pid, sl.At, sl.For)
			}
		}
	}
	return nil
}

// Play runs the scenario on s. Events scheduled for a tick are applied
// before that tick is stepped.
func (s *Sim) Play(sc *Scenario) error {
	if len(s.cpus) < sc.CPUs {
		return fmt.Errorf("%w: scenario needs %d cpus, simulator has %d", ErrCPURange, sc.CPUs, len(s.cpus))
	}
	for tick := 0; tick < sc.Ticks; tick++ {
		for _, ts := range sc.Tasks {
			if err := s.apply(ts, tick); err != nil {
				return fmt.Errorf("tick %d: %w", tick, err)
			}
		}
		s.Step()
	}
	return nil
}

func (s *Sim) apply(ts TaskSpec, tick int) error {
	if tick == ts.Spawn {
		return s.Spawn(ts.Pid, ts.Weight, ts.CPU)
	}
	if tick < ts.Spawn || s.tasks.Get(ts.Pid) == nil {
		return nil
	}
	if ts.Exit != 0 && tick == ts.Exit {
		return s.Exit(ts.Pid)
	}
	for _, sl := range ts.Sleeps {
		switch tick {
		case sl.At:
			if !s.blocked[ts.Pid] {
				if err := s.Block(ts.Pid); err != nil {
					return err
				}
			}
		case sl.At + sl.For:
			if s.blocked[ts.Pid] {
				if err := s.Wake(ts.Pid); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
