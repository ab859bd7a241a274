package wfs

import (
	"math"

	"github.com/Gthulhu/wfs/models"
	"github.com/Gthulhu/wfs/plugin/util"
)

// resolveWeight gives se an effective weight if it has none yet: the task's
// requested weight, else the class default.
func (rq *Runqueue) resolveWeight(t *models.Task) {
	se := &t.WFS
	if se.Weight != 0 {
		return
	}
	w := t.Weight
	if w == 0 {
		w = rq.defaultWeight
	}
	se.Weight = w
	se.InvWeight = invWeight(w)
}

// place starts se at the runqueue floor so that it neither jumps ahead of
// nor lags behind the tasks already competing.
func (rq *Runqueue) place(t *models.Task) {
	rq.resolveWeight(t)
	se := &t.WFS
	se.Vruntime = rq.minVruntime
	rq.refreshVft(se)
}

// refreshVft recomputes the ordering key from the carried vruntime.
func (rq *Runqueue) refreshVft(se *models.Entity) {
	se.Vft = addSat(se.Vruntime, Scale(rq.tickNs, se.Weight))
}

// advance charges deltaExec of real execution time to se.
func (rq *Runqueue) advance(se *models.Entity, deltaExec uint64) {
	se.Vruntime = addSat(se.Vruntime, Scale(deltaExec, se.Weight))
	rq.refreshVft(se)
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// account folds the time since se began running into its totals and
// returns the elapsed delta.
func (rq *Runqueue) account(se *models.Entity, now uint64) uint64 {
	delta := util.SaturatingSub(now, se.ExecStart)
	se.SumExecRuntime += delta
	rq.advance(se, delta)
	return delta
}
