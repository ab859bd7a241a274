package wfs

import (
	"github.com/Gthulhu/wfs/models"
	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
	"github.com/Gthulhu/wfs/plugin/metrics"
	"github.com/google/btree"
	"k8s.io/klog/v2"
)

const (
	noTask = -1

	// btreeDegree is the fan-out of the ordered index.
	btreeDegree = 8
)

// node is what the ordered index stores: the key an entity was filed under
// and the pid to resolve it through the host's task table.
type node struct {
	vft uint64
	seq uint64
	pid int32
}

// nodeLess orders by vft; equal keys keep insertion order.
func nodeLess(a, b node) bool {
	if a.vft != b.vft {
		return a.vft < b.vft
	}
	return a.seq < b.seq
}

// Runqueue is the per-CPU WFS runqueue. It is not safe for concurrent use;
// the host serializes every call.
type Runqueue struct {
	cpu  int32
	host reg.Host

	// Configuration
	tickNs        uint64
	defaultWeight uint32

	timeline    *btree.BTreeG[node]
	seq         uint64
	nrRunning   uint32
	minVruntime uint64
	curr        int32

	logger  klog.Logger
	metrics *metrics.CPUMetrics
}

// NewRunqueue creates an empty runqueue for cpu. Zero tickNs or
// defaultWeight select the package defaults.
func NewRunqueue(cpu int32, host reg.Host, tickNs uint64, defaultWeight uint32) *Runqueue {
	rq := &Runqueue{
		cpu:           cpu,
		host:          host,
		tickNs:        reg.DefaultTickNs,
		defaultWeight: reg.DefaultWeight,
		timeline:      btree.NewG(btreeDegree, nodeLess),
		curr:          noTask,
		logger:        klog.Background().WithName("wfs").WithValues("cpu", cpu),
	}

	if tickNs > 0 {
		rq.tickNs = tickNs
	}
	if defaultWeight > 0 {
		rq.defaultWeight = defaultWeight
	}

	rq.logger.V(2).Info("runqueue initialized", "tickNs", rq.tickNs, "defaultWeight", rq.defaultWeight)
	return rq
}

// SetLogger replaces the logger. The cpu key is added to it.
func (rq *Runqueue) SetLogger(logger klog.Logger) {
	rq.logger = logger.WithValues("cpu", rq.cpu)
}

// SetMetrics sets the collectors updated by this runqueue. Nil disables them.
func (rq *Runqueue) SetMetrics(m *metrics.CPUMetrics) {
	rq.metrics = m
}

// CPU returns the cpu this runqueue serves.
func (rq *Runqueue) CPU() int32 {
	return rq.cpu
}

// NrRunning returns the number of ready tasks, the running one included.
func (rq *Runqueue) NrRunning() uint32 {
	return rq.nrRunning
}

// MinVruntime returns the runqueue floor.
func (rq *Runqueue) MinVruntime() uint64 {
	return rq.minVruntime
}

// Len returns the size of the ordered index. It equals NrRunning.
func (rq *Runqueue) Len() int {
	return rq.timeline.Len()
}

// Curr returns the task this runqueue last set running, or nil.
func (rq *Runqueue) Curr() *models.Task {
	if rq.curr == noTask {
		return nil
	}
	return rq.host.Task(rq.curr)
}

// Queued returns the pids in the index in pick order.
func (rq *Runqueue) Queued() []int32 {
	pids := make([]int32, 0, rq.timeline.Len())
	rq.timeline.Ascend(func(n node) bool {
		pids = append(pids, n.pid)
		return true
	})
	return pids
}

// link files t in the index under its current vft.
func (rq *Runqueue) link(t *models.Task) {
	se := &t.WFS
	se.Node = models.RunNode{Vft: se.Vft, Seq: rq.seq}
	rq.seq++
	rq.timeline.ReplaceOrInsert(node{vft: se.Node.Vft, seq: se.Node.Seq, pid: t.Pid})
	se.OnRQ = true
}

// unlink removes t from the index using the key it was filed under and
// clears its linkage. It reports whether an index entry was removed; false
// means the entry had already been pruned and nr_running no longer counts t.
func (rq *Runqueue) unlink(t *models.Task) bool {
	se := &t.WFS
	_, found := rq.timeline.Delete(keyOf(t))
	se.OnRQ = false
	se.Node = models.RunNode{}
	return found
}

// linked reports whether t is flagged as queued and its entry is in the index.
func (rq *Runqueue) linked(t *models.Task) bool {
	return t.WFS.OnRQ && rq.timeline.Has(keyOf(t))
}

func keyOf(t *models.Task) node {
	return node{vft: t.WFS.Node.Vft, seq: t.WFS.Node.Seq, pid: t.Pid}
}

// first returns the task with the smallest vft. Index entries whose pid no
// longer resolves to a linked entity are pruned on the way.
func (rq *Runqueue) first() *models.Task {
	for {
		n, ok := rq.timeline.Min()
		if !ok {
			return nil
		}
		t := rq.host.Task(n.pid)
		if t != nil && t.WFS.OnRQ && t.WFS.Node == (models.RunNode{Vft: n.vft, Seq: n.seq}) {
			return t
		}
		rq.timeline.Delete(n)
		if rq.nrRunning > 0 {
			rq.nrRunning--
		}
		if t != nil && t.WFS.OnRQ && !rq.timeline.Has(keyOf(t)) {
			t.WFS.OnRQ = false
			t.WFS.Node = models.RunNode{}
		}
		rq.anomaly(metrics.AnomalyStaleLink, "index entry does not resolve, dropping", "pid", n.pid, "vft", n.vft)
	}
}

// updateMinVruntime raises the floor to the vruntime of the leftmost task.
// The floor never moves backwards.
func (rq *Runqueue) updateMinVruntime() {
	if t := rq.first(); t != nil && t.WFS.Vruntime > rq.minVruntime {
		rq.minVruntime = t.WFS.Vruntime
	}
	rq.metrics.SetNrRunning(rq.nrRunning)
	rq.metrics.SetMinVruntime(rq.minVruntime)
}

func (rq *Runqueue) anomaly(kind, msg string, kv ...interface{}) {
	rq.metrics.IncAnomaly(kind)
	rq.logger.Info(msg, append([]interface{}{"anomaly", kind}, kv...)...)
}
