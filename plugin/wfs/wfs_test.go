package wfs

import (
	"context"
	"math/rand"
	"testing"

	"github.com/Gthulhu/wfs/models"
	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/ktesting"
)

func TestRunqueueDefaults(t *testing.T) {
	rq := NewRunqueue(3, newMockHost(), 0, 0)

	assert.Equal(t, int32(3), rq.CPU())
	assert.Equal(t, reg.DefaultTickNs, rq.tickNs)
	assert.Equal(t, reg.DefaultWeight, rq.defaultWeight)
	assert.Equal(t, uint32(0), rq.NrRunning())
	assert.Equal(t, uint64(0), rq.MinVruntime())
	assert.Nil(t, rq.Curr())
	assert.Nil(t, rq.PickNextTask(nil))
}

// TestTwoEqualWeightsPreemptAfterOneTick follows one tick of two equally
// weighted tasks through the whole switch sequence.
func TestTwoEqualWeightsPreemptAfterOneTick(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)
	b := host.newTask(2, 10)

	rq.EnqueueTask(a, 0)
	rq.EnqueueTask(b, 0)
	require.Equal(t, uint32(2), rq.NrRunning())
	require.Equal(t, a.WFS.Vft, b.WFS.Vft)

	next := rq.PickNextTask(nil)
	require.Same(t, a, next)

	rq.SetNextTask(a, 0, true)
	assert.True(t, a.WFS.Running)
	assert.Same(t, a, rq.Curr())

	rq.TaskTick(a, 1, true)
	assert.Equal(t, uint64(104857), a.WFS.Vruntime)
	assert.Equal(t, uint64(209714), a.WFS.Vft)
	assert.Equal(t, 1, host.resched[0])

	rq.PutPrevTask(a, 1, b)
	assert.False(t, a.WFS.Running)
	assert.Nil(t, rq.Curr())
	assert.Equal(t, uint64(1), a.WFS.SumExecRuntime)

	next = rq.PickNextTask(a)
	require.Same(t, b, next)
	assert.Equal(t, uint64(104857), b.WFS.Vft)
	assert.Equal(t, []int32{2, 1}, rq.Queued())
}

func TestSingleTaskTickKeepsRunning(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)

	rq.EnqueueTask(a, 0)
	require.Same(t, a, rq.PickNextTask(nil))
	rq.SetNextTask(a, 0, true)

	for now := uint64(1); now <= 5; now++ {
		rq.TaskTick(a, now, true)
	}

	assert.Equal(t, 0, host.resched[0])
	assert.Equal(t, uint64(5), a.WFS.SumExecRuntime)
	assert.Equal(t, 5*Scale(1, 10), a.WFS.Vruntime)
	assert.True(t, a.WFS.Running)
	assert.Equal(t, uint64(5), a.WFS.ExecStart)
}

func TestDequeue(t *testing.T) {
	t.Run("NotQueued", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		b := host.newTask(2, 10)
		rq.EnqueueTask(a, 0)

		assert.True(t, rq.DequeueTask(b, models.DequeueSleep))
		assert.Equal(t, uint32(1), rq.NrRunning())
		assert.Equal(t, []int32{1}, rq.Queued())
	})

	t.Run("Twice", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		rq.EnqueueTask(a, 0)

		assert.True(t, rq.DequeueTask(a, models.DequeueSleep))
		assert.True(t, rq.DequeueTask(a, models.DequeueSleep))
		assert.Equal(t, uint32(0), rq.NrRunning())
		assert.Equal(t, 0, rq.Len())
		assert.False(t, a.WFS.OnRQ)
	})

	t.Run("RunningTaskBlocks", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		b := host.newTask(2, 10)
		rq.EnqueueTask(a, 0)
		rq.EnqueueTask(b, 0)
		rq.SetNextTask(rq.PickNextTask(nil), 0, true)

		rq.DequeueTask(a, models.DequeueSleep)
		rq.PutPrevTask(a, 3, nil)

		assert.Equal(t, uint64(3), a.WFS.SumExecRuntime)
		assert.False(t, a.WFS.OnRQ)
		assert.Equal(t, []int32{2}, rq.Queued())
		assert.Same(t, b, rq.PickNextTask(a))
	})
}

func TestDoubleEnqueueIsIgnored(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)

	rq.EnqueueTask(a, 0)
	node := a.WFS.Node
	rq.EnqueueTask(a, models.EnqueueWakeup)

	assert.Equal(t, uint32(1), rq.NrRunning())
	assert.Equal(t, 1, rq.Len())
	assert.Equal(t, node, a.WFS.Node)
}

func TestEnqueuePlacement(t *testing.T) {
	t.Run("WakeupKeepsVruntime", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		b := host.newTask(2, 10)
		rq.EnqueueTask(a, 0)
		rq.EnqueueTask(b, 0)

		runFor(rq, a, 0, 4)
		earned := a.WFS.Vruntime
		require.Equal(t, Scale(4, 10), earned)

		rq.DequeueTask(a, models.DequeueSleep)
		// b runs long enough to push the floor past a
		runFor(rq, b, 4, 100)
		require.Greater(t, rq.MinVruntime(), earned)

		rq.EnqueueTask(a, models.EnqueueWakeup)
		assert.Equal(t, earned, a.WFS.Vruntime)
		assert.Equal(t, earned+Scale(1, 10), a.WFS.Vft)
		assert.Same(t, a, rq.PickNextTask(nil))
	})

	t.Run("NonWakeupReplaces", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		b := host.newTask(2, 10)
		rq.EnqueueTask(a, 0)
		rq.EnqueueTask(b, 0)
		runFor(rq, a, 0, 4)
		rq.DequeueTask(a, models.DequeueSave)
		runFor(rq, b, 4, 100)
		floor := rq.MinVruntime()

		rq.EnqueueTask(a, models.EnqueueRestore)
		assert.Equal(t, floor, a.WFS.Vruntime)
	})

	t.Run("WakeupWithZeroVruntimePlaces", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		rq.EnqueueTask(a, 0)
		runFor(rq, a, 0, 10)
		require.Greater(t, rq.MinVruntime(), uint64(0))

		b := host.newTask(2, 0)
		rq.EnqueueTask(b, models.EnqueueWakeup)
		assert.Equal(t, rq.MinVruntime(), b.WFS.Vruntime)
		assert.Equal(t, uint32(10), b.WFS.Weight)
	})
}

func TestPickNextRepairsDesync(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	rq.nrRunning = 3

	assert.Nil(t, rq.PickNextTask(nil))
	assert.Equal(t, uint32(0), rq.NrRunning())
	assert.Equal(t, 0, rq.Len())
}

func TestStaleLinkIsPruned(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)
	b := host.newTask(2, 10)
	rq.EnqueueTask(a, 0)
	rq.EnqueueTask(b, 0)

	// a disappears from the task table without being dequeued
	host.tasks.Remove(1)

	assert.Same(t, b, rq.PickNextTask(nil))
	assert.Equal(t, uint32(1), rq.NrRunning())
	assert.Equal(t, 1, rq.Len())

	host.tasks.Remove(2)
	assert.Nil(t, rq.PickNextTask(nil))
	assert.Equal(t, uint32(0), rq.NrRunning())
	assert.Equal(t, 0, rq.Len())
}

// TestPrunedTaskLifecycle follows an entity whose index entry was dropped
// while its pid did not resolve: the count must keep matching the index
// and the entity must be linkable again.
func TestPrunedTaskLifecycle(t *testing.T) {
	setup := func(t *testing.T) (*mockHost, *Runqueue, *models.Task, *models.Task) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		b := host.newTask(2, 10)
		rq.EnqueueTask(a, 0)
		rq.EnqueueTask(b, 0)

		host.tasks.Remove(1)
		require.Same(t, b, rq.PickNextTask(nil))
		require.Equal(t, uint32(1), rq.NrRunning())
		require.Equal(t, 1, rq.Len())
		return host, rq, a, b
	}

	t.Run("DequeueAfterPrune", func(t *testing.T) {
		host, rq, a, b := setup(t)
		host.tasks.Add(a)

		assert.True(t, rq.DequeueTask(a, models.DequeueSleep))
		assert.False(t, a.WFS.OnRQ)
		assert.Equal(t, uint32(1), rq.NrRunning())
		assert.Equal(t, 1, rq.Len())
		assert.Same(t, b, rq.PickNextTask(nil))
	})

	t.Run("EnqueueAfterPrune", func(t *testing.T) {
		host, rq, a, _ := setup(t)
		host.tasks.Add(a)

		rq.EnqueueTask(a, 0)
		assert.True(t, rq.linked(a))
		assert.Equal(t, uint32(2), rq.NrRunning())
		assert.Equal(t, 2, rq.Len())
		assert.ElementsMatch(t, []int32{1, 2}, rq.Queued())
	})

	t.Run("DequeueThenEnqueue", func(t *testing.T) {
		host, rq, a, b := setup(t)
		host.tasks.Add(a)

		rq.DequeueTask(a, models.DequeueSleep)
		rq.EnqueueTask(a, models.EnqueueWakeup)
		assert.Equal(t, uint32(2), rq.NrRunning())
		assert.Equal(t, 2, rq.Len())

		rq.DequeueTask(b, models.DequeueSleep)
		assert.Same(t, a, rq.PickNextTask(nil))
		assert.Equal(t, uint32(1), rq.NrRunning())
		assert.Equal(t, 1, rq.Len())
	})

	t.Run("PutPrevAfterPrune", func(t *testing.T) {
		host, rq, a, _ := setup(t)
		host.tasks.Add(a)

		rq.SetNextTask(a, 0, true)
		rq.PutPrevTask(a, 5, nil)
		assert.False(t, a.WFS.OnRQ)
		assert.Equal(t, uint32(1), rq.NrRunning())
		assert.Equal(t, 1, rq.Len())
	})

	t.Run("ResolvingEntityIsCleared", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		rq.EnqueueTask(a, 0)

		// a is re-filed behind the runqueue's back, leaving its old entry
		a.WFS.Node = models.RunNode{Vft: a.WFS.Node.Vft, Seq: 99}

		assert.Nil(t, rq.PickNextTask(nil))
		assert.False(t, a.WFS.OnRQ)
		assert.Equal(t, uint32(0), rq.NrRunning())

		rq.EnqueueTask(a, 0)
		assert.Same(t, a, rq.PickNextTask(nil))
	})
}

func TestPutPrevTask(t *testing.T) {
	t.Run("NotRunning", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		rq.EnqueueTask(a, 0)
		before := a.WFS

		rq.PutPrevTask(a, 10, nil)
		assert.Equal(t, before, a.WFS)
	})

	t.Run("NextIsSelf", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		rq.EnqueueTask(a, 0)
		rq.SetNextTask(a, 0, true)
		node := a.WFS.Node

		rq.PutPrevTask(a, 2, a)
		assert.Equal(t, node, a.WFS.Node)
		assert.Equal(t, Scale(2, 10), a.WFS.Vruntime)
		assert.False(t, a.WFS.Running)
	})

	t.Run("ZeroElapsed", func(t *testing.T) {
		host := newMockHost()
		rq := NewRunqueue(0, host, 1, 0)
		a := host.newTask(1, 10)
		rq.EnqueueTask(a, 0)
		rq.SetNextTask(a, 7, true)

		rq.PutPrevTask(a, 7, nil)
		assert.Equal(t, uint64(0), a.WFS.SumExecRuntime)
		assert.Equal(t, uint64(0), a.WFS.Vruntime)
		assert.True(t, a.WFS.OnRQ)
	})
}

func TestUpdateCurrWithoutRunningTask(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)
	rq.EnqueueTask(a, 0)

	rq.UpdateCurr(50)
	assert.Equal(t, uint64(0), a.WFS.Vruntime)
}

func TestSwitchedTo(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)
	b := host.newTask(2, 10)

	rq.SwitchedTo(a, 0)
	assert.Equal(t, 0, host.resched[0], "nothing running yet")

	rq.EnqueueTask(a, 0)
	rq.SetNextTask(a, 0, true)
	rq.SwitchedTo(a, 1)
	assert.Equal(t, 0, host.resched[0], "task switching to the class is the current one")

	rq.SwitchedTo(b, 1)
	assert.Equal(t, 1, host.resched[0])
}

func TestSwitchedFrom(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)
	rq.EnqueueTask(a, 0)
	rq.SetNextTask(a, 0, true)

	rq.DequeueTask(a, models.DequeueSave)
	rq.SwitchedFrom(a, 6)

	assert.False(t, a.WFS.Running)
	assert.Equal(t, uint64(6), a.WFS.SumExecRuntime)
	assert.Equal(t, Scale(6, 10), a.WFS.Vruntime)
	assert.Nil(t, rq.Curr())
	assert.Equal(t, 0, rq.Len())

	// leaving again is harmless
	rq.SwitchedFrom(a, 9)
	assert.Equal(t, uint64(6), a.WFS.SumExecRuntime)
}

func TestReweight(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	a := host.newTask(1, 10)
	b := host.newTask(2, 10)
	rq.EnqueueTask(a, 0)
	rq.EnqueueTask(b, 0)
	require.Equal(t, []int32{1, 2}, rq.Queued())

	assert.ErrorIs(t, rq.Reweight(a, 0), ErrInvalidWeight)
	assert.Equal(t, uint32(10), a.WFS.Weight)

	require.NoError(t, rq.Reweight(a, 5))
	assert.Equal(t, uint32(5), a.WFS.Weight)
	assert.Equal(t, uint32(5), a.Weight)
	assert.Equal(t, Scale(1, 5), a.WFS.Vft)
	assert.Equal(t, []int32{2, 1}, rq.Queued())
}

func TestSMPHooksStayLocal(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(2, host, 1, 0)
	a := host.newTask(1, 10)

	assert.Equal(t, int32(2), rq.SelectTaskRQ(a, 0, models.EnqueueWakeup))
	assert.Equal(t, 0, rq.Balance(a))
	assert.False(t, rq.YieldToTask(a))

	rq.EnqueueTask(a, 0)
	rq.MigrateTaskRQ(a, 1)
	rq.RQOffline()
	rq.RQOnline()
	rq.TaskWoken(a)
	rq.SetCPUsAllowed(a, 0x1)
	rq.WakeupPreempt(a, models.EnqueueWakeup)
	assert.Equal(t, []int32{1}, rq.Queued())
}

func TestWeightedFairness(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1000, 0)
	heavy := host.newTask(1, 20)
	light := host.newTask(2, 10)
	rq.EnqueueTask(heavy, 0)
	rq.EnqueueTask(light, 0)

	// equal real slices grow the heavier vruntime more slowly
	runFor(rq, heavy, 0, 1000)
	runFor(rq, light, 1000, 2000)
	assert.Less(t, heavy.WFS.Vruntime, light.WFS.Vruntime)

	picks := map[int32]int{}
	var now uint64 = 2000
	var curr *models.Task
	for i := 0; i < 300; i++ {
		curr = schedule(rq, curr, now)
		require.NotNil(t, curr)
		picks[curr.Pid]++
		now += 1000
		rq.TaskTick(curr, now, true)
	}

	assert.GreaterOrEqual(t, picks[1], picks[2])
	assert.InDelta(t, 2.0, float64(picks[1])/float64(picks[2]), 0.05)
}

func TestEqualWeightsRoundRobin(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 1, 0)
	for pid := int32(1); pid <= 4; pid++ {
		rq.EnqueueTask(host.newTask(pid, 0), 0)
	}

	var order []int32
	var now uint64
	var curr *models.Task
	for i := 0; i < 40; i++ {
		curr = schedule(rq, curr, now)
		order = append(order, curr.Pid)
		now++
		rq.TaskTick(curr, now, true)
	}

	for i, pid := range order {
		assert.Equal(t, int32(i%4)+1, pid, "selection %d", i)
	}
	assert.Equal(t, 40, host.resched[0])
}

// TestInvariantsUnderRandomOperations drives the runqueue with a random mix
// of operations and checks the ordering, counting and floor invariants
// after every step.
func TestInvariantsUnderRandomOperations(t *testing.T) {
	host := newMockHost()
	rq := NewRunqueue(0, host, 3, 0)
	rnd := rand.New(rand.NewSource(6118))

	const nrTasks = 16
	tasks := make([]*models.Task, nrTasks)
	for i := range tasks {
		tasks[i] = host.newTask(int32(i+1), uint32(rnd.Intn(40)+1))
	}

	var now, floor uint64
	var curr *models.Task
	for step := 0; step < 5000; step++ {
		t1 := tasks[rnd.Intn(nrTasks)]
		switch rnd.Intn(8) {
		case 0:
			flags := models.EnqueueFlags(0)
			if rnd.Intn(2) == 0 {
				flags = models.EnqueueWakeup
			}
			placed := !rq.linked(t1) && (flags == 0 || t1.WFS.Vruntime == 0)
			before := rq.MinVruntime()
			rq.EnqueueTask(t1, flags)
			if placed {
				require.GreaterOrEqual(t, t1.WFS.Vruntime, before, "step %d", step)
			}
		case 1:
			rq.DequeueTask(t1, models.DequeueSleep)
		case 2, 3:
			curr = schedule(rq, curr, now)
		case 4:
			if curr != nil {
				rq.TaskTick(curr, now, true)
			}
		case 5:
			_ = rq.Reweight(t1, uint32(rnd.Intn(40)+1))
		case 6:
			if t1 != curr {
				host.tasks.Remove(t1.Pid)
			}
		case 7:
			host.tasks.Add(t1)
		}
		now += uint64(rnd.Intn(5))

		linked := 0
		var minVft uint64
		for _, tk := range tasks {
			if host.Task(tk.Pid) == nil || !rq.linked(tk) {
				continue
			}
			if linked == 0 || tk.WFS.Node.Vft < minVft {
				minVft = tk.WFS.Node.Vft
			}
			linked++
		}
		require.Equal(t, rq.Len(), int(rq.NrRunning()), "step %d", step)
		require.LessOrEqual(t, linked, rq.Len(), "step %d", step)
		require.GreaterOrEqual(t, rq.MinVruntime(), floor, "step %d", step)
		floor = rq.MinVruntime()

		picked := rq.PickNextTask(nil)
		require.Equal(t, rq.Len(), int(rq.NrRunning()), "step %d", step)
		if linked == 0 {
			require.Nil(t, picked, "step %d", step)
		} else {
			require.NotNil(t, picked, "step %d", step)
			require.Equal(t, minVft, picked.WFS.Node.Vft, "step %d", step)
		}
	}
}

func TestFactory(t *testing.T) {
	registry := prometheus.NewRegistry()
	config := reg.DefaultSchedConfig()
	config.Scheduler.TickNs = 1
	config.Metrics.Enabled = true
	config.Registerer = registry
	host := newMockHost()

	class, err := reg.NewSchedulerPlugin(context.TODO(), 1, &config, host)
	require.NoError(t, err)
	rq, ok := class.(*Runqueue)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rq.tickNs)

	// a second instance shares the registered collectors
	_, err = reg.NewSchedulerPlugin(context.TODO(), 2, &config, host)
	require.NoError(t, err)

	a := host.newTask(1, 10)
	rq.EnqueueTask(a, 0)
	rq.EnqueueTask(a, 0)
	rq.DequeueTask(a, 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["wfs_enqueue_total"])
	assert.Equal(t, 1.0, values["wfs_dequeue_total"])
	assert.Equal(t, 1.0, values["wfs_anomaly_total"])
}

func TestFactoryUsesContextLogger(t *testing.T) {
	logger := ktesting.NewLogger(t, ktesting.NewConfig(ktesting.BufferLogs(true)))
	ctx := klog.NewContext(context.Background(), logger)
	config := reg.DefaultSchedConfig()
	host := newMockHost()

	class, err := reg.NewSchedulerPlugin(ctx, 4, &config, host)
	require.NoError(t, err)

	a := host.newTask(1, 10)
	class.EnqueueTask(a, 0)
	class.EnqueueTask(a, 0)

	underlier, ok := logger.GetSink().(ktesting.Underlier)
	require.True(t, ok)
	logs := underlier.GetBuffer().String()
	assert.Contains(t, logs, "already on runqueue, skipping enqueue")
	assert.Contains(t, logs, `anomaly="double_enqueue"`)
	assert.Contains(t, logs, "cpu=4")
}
