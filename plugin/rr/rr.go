package rr

import (
	"context"

	"github.com/Gthulhu/wfs/models"
	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
	"github.com/Gthulhu/wfs/plugin/metrics"
	"github.com/Gthulhu/wfs/plugin/util"
	"k8s.io/klog/v2"
)

const Mode = "rr"

const noTask = -1

func init() {
	// Register the round-robin class: weights are ignored, every ready task
	// gets one tick in arrival order
	err := reg.RegisterNewPlugin(Mode, func(ctx context.Context, cpu int32, config *reg.SchedConfig, host reg.Host) (reg.SchedClass, error) {
		rq := NewRunqueue(cpu, host)
		rq.SetLogger(klog.FromContext(ctx).WithName(Mode))

		m, err := metrics.FromConfig(config, cpu)
		if err != nil {
			return nil, err
		}
		rq.SetMetrics(m)

		return rq, nil
	})
	if err != nil {
		panic(err)
	}
}

// Runqueue is a FIFO of ready pids.
type Runqueue struct {
	cpu  int32
	host reg.Host

	queue    []int32
	curr     int32
	runStart uint64

	// Statistics
	nrSwitches uint64
	avgRun     uint64

	logger  klog.Logger
	metrics *metrics.CPUMetrics
}

// NewRunqueue creates a new round-robin runqueue for cpu
func NewRunqueue(cpu int32, host reg.Host) *Runqueue {
	return &Runqueue{
		cpu:    cpu,
		host:   host,
		queue:  make([]int32, 0), // Start with empty slice, no pre-allocation
		curr:   noTask,
		logger: klog.Background().WithName("rr").WithValues("cpu", cpu),
	}
}

// SetLogger replaces the logger. The cpu key is added to it.
func (rq *Runqueue) SetLogger(logger klog.Logger) {
	rq.logger = logger.WithValues("cpu", rq.cpu)
}

func (rq *Runqueue) SetMetrics(m *metrics.CPUMetrics) {
	rq.metrics = m
}

// Verify that Runqueue implements the registry.SchedClass interface
var _ reg.SchedClass = (*Runqueue)(nil)

func (rq *Runqueue) CPU() int32 {
	return rq.cpu
}

func (rq *Runqueue) NrRunning() uint32 {
	return uint32(len(rq.queue))
}

func (rq *Runqueue) Curr() *models.Task {
	if rq.curr == noTask {
		return nil
	}
	return rq.host.Task(rq.curr)
}

// Queued returns the pids in pick order
func (rq *Runqueue) Queued() []int32 {
	return append([]int32(nil), rq.queue...)
}

// GetStats returns the number of completed runs and the moving average of
// their length
func (rq *Runqueue) GetStats() (uint64, uint64) {
	return rq.nrSwitches, rq.avgRun
}

// EnqueueTask appends t to the tail of the queue
func (rq *Runqueue) EnqueueTask(t *models.Task, flags models.EnqueueFlags) {
	if t.WFS.OnRQ && rq.contains(t.Pid) {
		rq.anomaly(metrics.AnomalyDoubleEnqueue, "already on runqueue, skipping enqueue", "pid", t.Pid)
		return
	}
	rq.queue = append(rq.queue, t.Pid)
	t.WFS.OnRQ = true
	rq.metrics.IncEnqueued()
	rq.metrics.SetNrRunning(rq.NrRunning())
	rq.logger.V(2).Info("enqueued", "pid", t.Pid, "flags", flags, "nrRunning", len(rq.queue))
}

// DequeueTask removes t wherever it is in the queue
func (rq *Runqueue) DequeueTask(t *models.Task, flags models.DequeueFlags) bool {
	if !t.WFS.OnRQ || !rq.remove(t.Pid) {
		rq.anomaly(metrics.AnomalyUnlinkedDequeue, "not on runqueue, skipping dequeue", "pid", t.Pid)
		t.WFS.OnRQ = false
		return true
	}
	t.WFS.OnRQ = false
	rq.metrics.IncDequeued()
	rq.metrics.SetNrRunning(rq.NrRunning())
	rq.logger.V(2).Info("dequeued", "pid", t.Pid, "flags", flags, "nrRunning", len(rq.queue))
	return true
}

func (rq *Runqueue) contains(pid int32) bool {
	for _, p := range rq.queue {
		if p == pid {
			return true
		}
	}
	return false
}

func (rq *Runqueue) remove(pid int32) bool {
	for i, p := range rq.queue {
		if p == pid {
			rq.queue = append(rq.queue[:i], rq.queue[i+1:]...)
			return true
		}
	}
	return false
}

// PickNextTask returns the head of the queue
func (rq *Runqueue) PickNextTask(prev *models.Task) *models.Task {
	for len(rq.queue) > 0 {
		pid := rq.queue[0]
		if t := rq.host.Task(pid); t != nil {
			rq.metrics.IncScheduled()
			return t
		}
		rq.queue = rq.queue[1:]
		rq.anomaly(metrics.AnomalyStaleLink, "queued pid does not resolve, dropping", "pid", pid)
		rq.metrics.SetNrRunning(rq.NrRunning())
	}
	return nil
}

// PutPrevTask charges the run to t and moves it behind everyone else
func (rq *Runqueue) PutPrevTask(t *models.Task, now uint64, next *models.Task) {
	se := &t.WFS
	if !se.Running {
		return
	}
	rq.account(se, now)
	se.Running = false
	se.ExecStart = 0
	if rq.curr == t.Pid {
		rq.curr = noTask
	}
	rq.nrSwitches++
	rq.avgRun = util.CalcAvg(rq.avgRun, util.SaturatingSub(now, rq.runStart))

	if (next == nil || next.Pid != t.Pid) && se.OnRQ && rq.remove(t.Pid) {
		rq.queue = append(rq.queue, t.Pid)
	}
}

func (rq *Runqueue) SetNextTask(t *models.Task, now uint64, first bool) {
	t.WFS.ExecStart = now
	t.WFS.Running = true
	rq.curr = t.Pid
	rq.runStart = now
}

func (rq *Runqueue) UpdateCurr(now uint64) {
	curr := rq.Curr()
	if curr == nil || !curr.WFS.Running {
		return
	}
	rq.account(&curr.WFS, now)
	curr.WFS.ExecStart = now
}

func (rq *Runqueue) account(se *models.Entity, now uint64) uint64 {
	delta := util.SaturatingSub(now, se.ExecStart)
	se.SumExecRuntime += delta
	return delta
}

// TaskTick preempts the running task whenever another one is waiting
func (rq *Runqueue) TaskTick(t *models.Task, now uint64, queued bool) {
	rq.UpdateCurr(now)
	if len(rq.queue) > 1 {
		rq.host.ReschedCurr(rq.cpu)
		rq.metrics.IncResched()
	}
}

func (rq *Runqueue) SwitchedTo(t *models.Task, now uint64) {
	if rq.curr != noTask && rq.curr != t.Pid {
		rq.host.ReschedCurr(rq.cpu)
		rq.metrics.IncResched()
	}
}

func (rq *Runqueue) SwitchedFrom(t *models.Task, now uint64) {
	if !t.WFS.Running {
		return
	}
	rq.account(&t.WFS, now)
	t.WFS.Running = false
	t.WFS.ExecStart = 0
	if rq.curr == t.Pid {
		rq.curr = noTask
	}
}

func (rq *Runqueue) WakeupPreempt(t *models.Task, flags models.EnqueueFlags) {}

func (rq *Runqueue) YieldToTask(t *models.Task) bool {
	return false
}

func (rq *Runqueue) SelectTaskRQ(t *models.Task, prevCPU int32, flags models.EnqueueFlags) int32 {
	return rq.cpu
}

func (rq *Runqueue) Balance(prev *models.Task) int {
	return 0
}

func (rq *Runqueue) MigrateTaskRQ(t *models.Task, newCPU int32) {}

func (rq *Runqueue) RQOnline() {}

func (rq *Runqueue) RQOffline() {}

func (rq *Runqueue) TaskWoken(t *models.Task) {}

func (rq *Runqueue) SetCPUsAllowed(t *models.Task, mask uint64) {}

func (rq *Runqueue) anomaly(kind, msg string, kv ...interface{}) {
	rq.metrics.IncAnomaly(kind)
	rq.logger.Info(msg, append([]interface{}{"anomaly", kind}, kv...)...)
}
