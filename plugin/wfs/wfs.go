package wfs

import (
	"context"
	"errors"

	"github.com/Gthulhu/wfs/models"
	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
	"github.com/Gthulhu/wfs/plugin/metrics"
	"k8s.io/klog/v2"
)

const Mode = "wfs"

func init() {
	err := reg.RegisterNewPlugin(Mode, func(ctx context.Context, cpu int32, config *reg.SchedConfig, host reg.Host) (reg.SchedClass, error) {
		rq := NewRunqueue(cpu, host, config.Scheduler.TickNs, config.Scheduler.DefaultWeight)
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

// ErrInvalidWeight is returned when a zero weight is requested.
var ErrInvalidWeight = errors.New("wfs: weight must be positive")

var _ reg.SchedClass = (*Runqueue)(nil)

// EnqueueTask links t into the runqueue. A task waking from a block keeps
// the vruntime it had earned; anything else, or a task that never ran, is
// placed at the floor.
func (rq *Runqueue) EnqueueTask(t *models.Task, flags models.EnqueueFlags) {
	se := &t.WFS
	if rq.linked(t) {
		rq.anomaly(metrics.AnomalyDoubleEnqueue, "already on runqueue, skipping enqueue", "pid", t.Pid, "flags", flags)
		return
	}
	if se.OnRQ {
		// Its entry was pruned while the pid did not resolve.
		rq.logger.V(2).Info("clearing linkage of pruned entity", "pid", t.Pid)
		se.OnRQ = false
		se.Node = models.RunNode{}
	}

	if flags&models.EnqueueWakeup == 0 || se.Vruntime == 0 {
		rq.place(t)
	} else {
		rq.resolveWeight(t)
		rq.refreshVft(se)
	}

	rq.link(t)
	rq.nrRunning++
	rq.updateMinVruntime()
	rq.metrics.IncEnqueued()

	rq.logger.V(2).Info("enqueued", "pid", t.Pid, "flags", flags, "vruntime", se.Vruntime, "vft", se.Vft, "nrRunning", rq.nrRunning)
}

// DequeueTask unlinks t. It reports success whether or not t was linked.
func (rq *Runqueue) DequeueTask(t *models.Task, flags models.DequeueFlags) bool {
	if !t.WFS.OnRQ {
		rq.anomaly(metrics.AnomalyUnlinkedDequeue, "not on runqueue, skipping dequeue", "pid", t.Pid, "flags", flags)
		return true
	}

	if !rq.unlink(t) {
		rq.logger.V(2).Info("entry already pruned, nothing to dequeue", "pid", t.Pid, "flags", flags)
		return true
	}
	rq.nrRunning--
	rq.updateMinVruntime()
	rq.metrics.IncDequeued()

	rq.logger.V(2).Info("dequeued", "pid", t.Pid, "flags", flags, "nrRunning", rq.nrRunning)
	return true
}

// PickNextTask returns the linked task with the smallest vft.
func (rq *Runqueue) PickNextTask(prev *models.Task) *models.Task {
	if rq.nrRunning == 0 {
		return nil
	}

	next := rq.first()
	if next == nil {
		if rq.nrRunning > 0 {
			rq.anomaly(metrics.AnomalyIndexDesync, "index empty with tasks accounted, fixing", "nrRunning", rq.nrRunning)
			rq.nrRunning = 0
			rq.metrics.SetNrRunning(0)
		}
		return nil
	}

	rq.metrics.IncScheduled()
	if rq.logger.V(4).Enabled() {
		prevPid := int32(noTask)
		if prev != nil {
			prevPid = prev.Pid
		}
		rq.logger.V(4).Info("picked", "pid", next.Pid, "prev", prevPid, "vft", next.WFS.Vft, "nrRunning", rq.nrRunning)
	}
	return next
}

// PutPrevTask charges the time t has run since SetNextTask. If t is still
// ready and is not the task about to run, it is re-filed under its new vft.
// A nil next means the successor has not been chosen yet.
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

	if (next == nil || next.Pid != t.Pid) && se.OnRQ && rq.unlink(t) {
		rq.link(t)
		rq.updateMinVruntime()
		rq.logger.V(4).Info("repositioned", "pid", t.Pid, "vruntime", se.Vruntime, "vft", se.Vft)
	}
}

// SetNextTask starts the execution clock for t.
func (rq *Runqueue) SetNextTask(t *models.Task, now uint64, first bool) {
	t.WFS.ExecStart = now
	t.WFS.Running = true
	rq.curr = t.Pid
	rq.logger.V(4).Info("set next", "pid", t.Pid, "first", first, "nrRunning", rq.nrRunning)
}

// UpdateCurr charges the running task for the time since its last update
// without switching it out.
func (rq *Runqueue) UpdateCurr(now uint64) {
	curr := rq.Curr()
	if curr == nil || !curr.WFS.Running {
		return
	}
	rq.account(&curr.WFS, now)
	curr.WFS.ExecStart = now
}

// TaskTick gives every task one tick while others are waiting: with more
// than one ready task the running one is preempted.
func (rq *Runqueue) TaskTick(t *models.Task, now uint64, queued bool) {
	rq.UpdateCurr(now)

	if rq.nrRunning > 1 {
		rq.host.ReschedCurr(rq.cpu)
		rq.metrics.IncResched()
		rq.logger.V(4).Info("preempting after one tick", "pid", t.Pid, "vft", t.WFS.Vft, "nrRunning", rq.nrRunning)
		return
	}
	rq.logger.V(5).Info("sole task, no preemption", "pid", t.Pid, "queued", queued)
}

// SwitchedTo is called when t joins the class. A different task of the
// class already running here is asked to reschedule.
func (rq *Runqueue) SwitchedTo(t *models.Task, now uint64) {
	rq.logger.V(2).Info("switched to", "pid", t.Pid, "nrRunning", rq.nrRunning)
	if rq.curr != noTask && rq.curr != t.Pid {
		rq.host.ReschedCurr(rq.cpu)
		rq.metrics.IncResched()
	}
}

// SwitchedFrom is called when t leaves the class. In-flight execution time
// is charged; the index is left alone since t is on its way out of it.
func (rq *Runqueue) SwitchedFrom(t *models.Task, now uint64) {
	rq.logger.V(2).Info("switched from", "pid", t.Pid, "nrRunning", rq.nrRunning)
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
}

// WakeupPreempt does nothing: a woken task waits for the next tick.
func (rq *Runqueue) WakeupPreempt(t *models.Task, flags models.EnqueueFlags) {
	rq.logger.V(5).Info("wakeup preempt", "pid", t.Pid, "flags", flags)
}

// YieldToTask refuses directed yields.
func (rq *Runqueue) YieldToTask(t *models.Task) bool {
	return false
}

// Reweight changes the weight of t. A linked task that is not running is
// re-filed under the vft its new weight gives.
func (rq *Runqueue) Reweight(t *models.Task, weight uint32) error {
	if weight == 0 {
		return ErrInvalidWeight
	}
	se := &t.WFS
	t.Weight = weight
	se.Weight = weight
	se.InvWeight = invWeight(weight)
	rq.refreshVft(se)

	if se.OnRQ && !se.Running && rq.unlink(t) {
		rq.link(t)
		rq.updateMinVruntime()
	}
	rq.logger.V(2).Info("reweighted", "pid", t.Pid, "weight", weight, "vft", se.Vft)
	return nil
}
