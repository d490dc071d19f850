package worker

import (
	"context"
	"time"
)

// RunOnce reserves one job and processes it on the first worker, reporting
// whether a job was available.
func (p *Pool) RunOnce(ctx context.Context) bool {
	w := p.workers[0]
	job, err := w.broker.Reserve(ctx, w.cfg.Category, w.cfg.Visibility)
	if err != nil || job == nil {
		return false
	}
	w.process(ctx, job)
	return true
}

func (p *Pool) SetClock(now func() time.Time) {
	for _, w := range p.workers {
		w.now = now
	}
}
