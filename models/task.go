package models

// EnqueueFlags describe why a task is being added to a runqueue.
type EnqueueFlags uint32

// DequeueFlags describe why a task is being removed from a runqueue.
type DequeueFlags uint32

const (
	EnqueueWakeup  EnqueueFlags = 0x01 // task is waking from a blocked state
	EnqueueRestore EnqueueFlags = 0x02 // task is being put back after an attribute change
	EnqueueMigrate EnqueueFlags = 0x04 // task arrives from another instance

	DequeueSleep DequeueFlags = 0x01 // task is blocking
	DequeueSave  DequeueFlags = 0x02 // task is removed for an attribute change
	DequeueExit  DequeueFlags = 0x04 // task is leaving for good
)

// RunNode is the key an entity is filed under in a runqueue's ordered index.
// It is a snapshot: the entity's Vft may move while it is linked, the node
// only changes when the entity is (re)inserted.
type RunNode struct {
	Vft uint64 // ordering key at insertion time
	Seq uint64 // runqueue insertion counter, breaks vft ties
}

// Entity is the per-task scheduling state. It is owned by the Task and
// mutated only by the scheduling class the task belongs to.
type Entity struct {
	Vruntime       uint64  // weight-scaled accumulated execution time
	Vft            uint64  // Vruntime projected one quantum ahead
	Weight         uint32  // effective weight, 0 until placed
	InvWeight      uint32  // ScaleFactor / Weight
	ExecStart      uint64  // clock reading when the entity last began running
	Running        bool    // ExecStart is valid
	SumExecRuntime uint64  // total real time spent running
	OnRQ           bool    // linked into the runqueue's ordered index
	Node           RunNode // valid while OnRQ
}

// Task is the framework-side record of a schedulable unit of work.
type Task struct {
	Pid    int32  // pid that uniquely identifies a task
	Tgid   int32  // task group id
	Cpu    int32  // CPU whose runqueue the task belongs to
	Weight uint32 // requested weight, 0 means "use the class default"
	Policy string // scheduling class mode the task runs under
	WFS    Entity // scheduling entity, embedded by value
}

// TaskTable maps pids to the task records owned by the framework. Runqueues
// keep pids, not pointers, and resolve them through a table like this one.
type TaskTable map[int32]*Task

// NewTaskTable returns an empty table.
func NewTaskTable() TaskTable {
	return make(TaskTable)
}

// Add stores t, replacing any task with the same pid.
func (tt TaskTable) Add(t *Task) {
	tt[t.Pid] = t
}

// Get returns the task for pid or nil.
func (tt TaskTable) Get(pid int32) *Task {
	return tt[pid]
}

// Remove drops pid from the table.
func (tt TaskTable) Remove(pid int32) {
	delete(tt, pid)
}

// Len returns the number of tasks in the table.
func (tt TaskTable) Len() int {
	return len(tt)
}
