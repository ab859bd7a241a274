// Package sim is an in-memory scheduling framework: it owns the task table
// and the clock, and drives one scheduling class instance per CPU through
// the callback table the way a kernel scheduler core would.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Gthulhu/wfs/models"
	"github.com/Gthulhu/wfs/plugin"
	"k8s.io/klog/v2"
)

var (
	ErrTaskExists  = errors.New("task already exists")
	ErrNoSuchTask  = errors.New("no such task")
	ErrCPURange    = errors.New("cpu out of range")
	ErrNotBlocked  = errors.New("task is not blocked")
	ErrNotRunnable = errors.New("task is not runnable")
)

type cpuState struct {
	id          int32
	class       plugin.SchedClass
	curr        *models.Task
	needResched bool
	idleTicks   uint64
}

// TaskStats is a snapshot of one task's accounting.
type TaskStats struct {
	Pid            int32
	CPU            int32
	Weight         uint32
	Picks          uint64
	SumExecRuntime uint64
	Vruntime       uint64
	Blocked        bool
}

// Sim is a deterministic host for scheduling classes. It is not safe for
// concurrent use.
type Sim struct {
	config  *plugin.SchedConfig
	tasks   models.TaskTable
	blocked map[int32]bool
	picks   map[int32]uint64
	cpus    []*cpuState
	now     uint64
	ticks   uint64
	logger  klog.Logger
}

var _ plugin.Host = (*Sim)(nil)

// New creates a simulator with nrCPUs class instances of config.Mode.
func New(ctx context.Context, config *plugin.SchedConfig, nrCPUs int) (*Sim, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if nrCPUs < 1 {
		return nil, fmt.Errorf("%w: need at least one cpu, got %d", ErrCPURange, nrCPUs)
	}

	s := &Sim{
		config:  config,
		tasks:   models.NewTaskTable(),
		blocked: make(map[int32]bool),
		picks:   make(map[int32]uint64),
		logger:  klog.FromContext(ctx).WithName("sim"),
	}
	for cpu := int32(0); cpu < int32(nrCPUs); cpu++ {
		class, err := plugin.NewSchedulerPlugin(ctx, cpu, config, s)
		if err != nil {
			return nil, fmt.Errorf("create %s class for cpu %d: %w", config.Mode, cpu, err)
		}
		class.RQOnline()
		s.cpus = append(s.cpus, &cpuState{id: cpu, class: class})
	}
	return s, nil
}

// ReschedCurr implements plugin.Host.
func (s *Sim) ReschedCurr(cpu int32) {
	if c := s.cpu(cpu); c != nil {
		c.needResched = true
	}
}

// Task implements plugin.Host.
func (s *Sim) Task(pid int32) *models.Task {
	return s.tasks.Get(pid)
}

func (s *Sim) Now() uint64 {
	return s.now
}

func (s *Sim) Ticks() uint64 {
	return s.ticks
}

// Class returns the class instance of cpu, or nil.
func (s *Sim) Class(cpu int32) plugin.SchedClass {
	if c := s.cpu(cpu); c != nil {
		return c.class
	}
	return nil
}

// Current returns the task running on cpu, or nil.
func (s *Sim) Current(cpu int32) *models.Task {
	if c := s.cpu(cpu); c != nil {
		return c.curr
	}
	return nil
}

func (s *Sim) cpu(id int32) *cpuState {
	if id < 0 || int(id) >= len(s.cpus) {
		return nil
	}
	return s.cpus[id]
}

// Spawn creates a ready task on cpu. A zero weight selects the class default.
func (s *Sim) Spawn(pid int32, weight uint32, cpu int32) error {
	if s.tasks.Get(pid) != nil {
		return fmt.Errorf("%w: pid %d", ErrTaskExists, pid)
	}
	c := s.cpu(cpu)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrCPURange, cpu)
	}
	t := &models.Task{Pid: pid, Tgid: pid, Cpu: cpu, Weight: weight, Policy: s.config.Mode}

	target := c.class.SelectTaskRQ(t, cpu, 0)
	if tc := s.cpu(target); tc != nil && tc != c {
		c = tc
		t.Cpu = target
	}

	s.tasks.Add(t)
	c.class.SwitchedTo(t, s.now)
	c.class.EnqueueTask(t, 0)
	s.logger.V(2).Info("spawned", "pid", pid, "weight", weight, "cpu", t.Cpu)

	if c.curr == nil {
		s.schedule(c)
	}
	return nil
}

// Block takes a runnable task off its runqueue. A running task is switched
// out immediately.
func (s *Sim) Block(pid int32) error {
	t, c, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if s.blocked[pid] {
		return fmt.Errorf("%w: pid %d", ErrNotRunnable, pid)
	}
	s.blocked[pid] = true
	c.class.DequeueTask(t, models.DequeueSleep)
	if c.curr == t {
		s.schedule(c)
	}
	return nil
}

// Wake makes a blocked task ready again with the vruntime it had.
func (s *Sim) Wake(pid int32) error {
	t, c, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if !s.blocked[pid] {
		return fmt.Errorf("%w: pid %d", ErrNotBlocked, pid)
	}
	delete(s.blocked, pid)
	c.class.EnqueueTask(t, models.EnqueueWakeup)
	c.class.TaskWoken(t)
	c.class.WakeupPreempt(t, models.EnqueueWakeup)
	if c.curr == nil {
		s.schedule(c)
	}
	return nil
}

// Exit removes a task for good.
func (s *Sim) Exit(pid int32) error {
	t, c, err := s.lookup(pid)
	if err != nil {
		return err
	}
	if !s.blocked[pid] {
		c.class.DequeueTask(t, models.DequeueExit)
	}
	c.class.SwitchedFrom(t, s.now)
	s.tasks.Remove(pid)
	delete(s.blocked, pid)
	s.logger.V(2).Info("exited", "pid", pid, "sumExecRuntime", t.WFS.SumExecRuntime)
	if c.curr == t {
		c.curr = nil
		s.schedule(c)
	}
	return nil
}

func (s *Sim) lookup(pid int32) (*models.Task, *cpuState, error) {
	t := s.tasks.Get(pid)
	if t == nil {
		return nil, nil, fmt.Errorf("%w: pid %d", ErrNoSuchTask, pid)
	}
	c := s.cpu(t.Cpu)
	if c == nil {
		return nil, nil, fmt.Errorf("%w: pid %d on cpu %d", ErrCPURange, pid, t.Cpu)
	}
	return t, c, nil
}

// Step advances the clock by one tick, delivers the timer tick to every
// running task and switches CPUs that asked for it.
func (s *Sim) Step() {
	s.now += s.config.Scheduler.TickNs
	s.ticks++
	for _, c := range s.cpus {
		if c.curr != nil {
			c.class.TaskTick(c.curr, s.now, c.curr.WFS.OnRQ)
		} else {
			c.idleTicks++
		}
		if c.needResched || c.curr == nil {
			s.schedule(c)
		}
	}
}

// Run performs n steps.
func (s *Sim) Run(n int) {
	for i := 0; i < n; i++ {
		s.Step()
	}
}

// schedule switches c from its current task to whatever the class picks.
// The previous task is put back first so it is ranked under the vft it
// has just earned.
func (s *Sim) schedule(c *cpuState) {
	prev := c.curr
	if prev != nil {
		c.class.PutPrevTask(prev, s.now, nil)
	} else {
		c.class.Balance(nil)
	}

	next := c.class.PickNextTask(prev)
	if next != nil {
		c.class.SetNextTask(next, s.now, prev == nil)
		s.picks[next.Pid]++
	}
	c.curr = next
	c.needResched = false

	if prev != next && s.logger.V(4).Enabled() {
		s.logger.V(4).Info("context switch", "cpu", c.id, "prev", pidOf(prev), "next", pidOf(next), "now", s.now)
	}
}

func pidOf(t *models.Task) int32 {
	if t == nil {
		return -1
	}
	return t.Pid
}

// IdleTicks returns how many ticks cpu spent without a task.
func (s *Sim) IdleTicks(cpu int32) uint64 {
	if c := s.cpu(cpu); c != nil {
		return c.idleTicks
	}
	return 0
}

// Stats returns the accounting of every live task, sorted by pid. Running
// tasks are brought up to date first.
func (s *Sim) Stats() []TaskStats {
	for _, c := range s.cpus {
		c.class.UpdateCurr(s.now)
	}
	stats := make([]TaskStats, 0, s.tasks.Len())
	for pid, t := range s.tasks {
		weight := t.WFS.Weight
		if weight == 0 {
			weight = t.Weight
		}
		stats = append(stats, TaskStats{
			Pid:            pid,
			CPU:            t.Cpu,
			Weight:         weight,
			Picks:          s.picks[pid],
			SumExecRuntime: t.WFS.SumExecRuntime,
			Vruntime:       t.WFS.Vruntime,
			Blocked:        s.blocked[pid],
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Pid < stats[j].Pid })
	return stats
}
