package wfs

import (
	"github.com/Gthulhu/wfs/models"
	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
)

// mockHost implements registry.Host for testing
type mockHost struct {
	tasks   models.TaskTable
	resched map[int32]int
}

// Compile-time check that mockHost implements registry.Host
var _ reg.Host = (*mockHost)(nil)

func newMockHost() *mockHost {
	return &mockHost{
		tasks:   models.NewTaskTable(),
		resched: make(map[int32]int),
	}
}

func (h *mockHost) ReschedCurr(cpu int32) {
	h.resched[cpu]++
}

func (h *mockHost) Task(pid int32) *models.Task {
	return h.tasks.Get(pid)
}

// newTask adds a task to the table without enqueueing it
func (h *mockHost) newTask(pid int32, weight uint32) *models.Task {
	t := &models.Task{Pid: pid, Tgid: pid, Weight: weight, Policy: Mode}
	h.tasks.Add(t)
	return t
}

// runFor runs t from start until end: one tick, then switch out.
func runFor(rq *Runqueue, t *models.Task, start, end uint64) {
	rq.SetNextTask(t, start, true)
	rq.TaskTick(t, end, true)
	rq.PutPrevTask(t, end, nil)
}

// schedule performs the host's switch sequence and returns the task set running.
func schedule(rq *Runqueue, prev *models.Task, now uint64) *models.Task {
	if prev != nil {
		rq.PutPrevTask(prev, now, nil)
	}
	next := rq.PickNextTask(prev)
	if next != nil {
		rq.SetNextTask(next, now, false)
	}
	return next
}
