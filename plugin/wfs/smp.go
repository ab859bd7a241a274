package wfs

import (
	"github.com/Gthulhu/wfs/models"
)

// Each runqueue schedules its own CPU only. These hooks exist because the
// framework calls them; none of them moves work between instances.

// SelectTaskRQ keeps t on this runqueue's CPU.
func (rq *Runqueue) SelectTaskRQ(t *models.Task, prevCPU int32, flags models.EnqueueFlags) int32 {
	return rq.cpu
}

// Balance pulls nothing.
func (rq *Runqueue) Balance(prev *models.Task) int {
	return 0
}

func (rq *Runqueue) MigrateTaskRQ(t *models.Task, newCPU int32) {}

func (rq *Runqueue) RQOnline() {}

func (rq *Runqueue) RQOffline() {}

func (rq *Runqueue) TaskWoken(t *models.Task) {}

func (rq *Runqueue) SetCPUsAllowed(t *models.Task, mask uint64) {}
