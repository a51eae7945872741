package progress

import (
	"sync"
	"time"

	"github.com/fingolabs/fingo/internal/models"
)

// Reconciler merges structured progress reports and regex-scraped log lines
// into one consistent progress view per job. Structured reports win; a
// log-derived observation is only admitted when no structured report has
// arrived within the staleness window. Steps never move backward.
type Reconciler struct {
	mu        sync.Mutex
	staleness time.Duration
	alpha     float64
	now       func() time.Time

	startedAt      time.Time
	lastStructured time.Time
	lastStepAt     time.Time
	current        models.Progress
	emaSpeed       float64
	hasSpeed       bool
}

// Observation is one progress report, either from the engine's structured
// channel or recovered from a raw log line.
type Observation struct {
	Step   int
	Total  int
	Loss   *float64
	LR     *float64
	Speed  *float64
	Source models.ProgressSource
}

// NewReconciler creates a reconciler for a single job run. stalenessWindow
// controls how long structured data suppresses log-derived fallback and
// alpha is the smoothing factor for the iteration-speed moving average.
func NewReconciler(stalenessWindow time.Duration, alpha float64) *Reconciler {
	if stalenessWindow <= 0 {
		stalenessWindow = 10 * time.Second
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &Reconciler{
		staleness: stalenessWindow,
		alpha:     alpha,
		now:       time.Now,
	}
}

// ObserveStructured applies a structured progress report. The returned bool
// is false when the report was discarded as stale or backward.
func (r *Reconciler) ObserveStructured(obs Observation) (models.Progress, bool) {
	obs.Source = models.ProgressSourceStructured
	return r.observe(obs)
}

// ObserveLine scans a raw output line for progress markers and applies them
// when structured data has gone stale. The returned bool is false when the
// line carried nothing usable or was suppressed.
func (r *Reconciler) ObserveLine(line string) (models.Progress, bool) {
	parsed, ok := ParseLine(line)
	if !ok {
		return r.Current(), false
	}
	return r.observe(Observation{
		Step:   parsed.Step,
		Total:  parsed.Total,
		Loss:   parsed.Loss,
		LR:     parsed.LR,
		Speed:  parsed.Speed,
		Source: models.ProgressSourceLogDerived,
	})
}

func (r *Reconciler) observe(obs Observation) (models.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.startedAt.IsZero() {
		r.startedAt = now
	}

	if obs.Source == models.ProgressSourceLogDerived {
		if !r.lastStructured.IsZero() && now.Sub(r.lastStructured) < r.staleness {
			return r.current, false
		}
	} else {
		r.lastStructured = now
	}

	// Steps only move forward; out-of-order lines are stale.
	if obs.Step < r.current.CurrentStep {
		return r.current, false
	}

	prevStep := r.current.CurrentStep

	r.current.CurrentStep = obs.Step
	if obs.Total > 0 {
		r.current.TotalSteps = obs.Total
	}
	if r.current.TotalSteps > 0 {
		r.current.Percent = float64(r.current.CurrentStep) / float64(r.current.TotalSteps) * 100
		if r.current.Percent > 100 {
			r.current.Percent = 100
		}
	}
	if obs.Loss != nil {
		loss := *obs.Loss
		r.current.Loss = &loss
	}
	r.current.Source = obs.Source

	r.updateSpeed(obs, prevStep, now)
	r.updateETA(now)
	r.lastStepAt = now

	return r.current, true
}

// updateSpeed folds the sample into an exponential moving average so one
// slow checkpoint step does not swing the displayed rate.
func (r *Reconciler) updateSpeed(obs Observation, prevStep int, now time.Time) {
	var sample float64
	switch {
	case obs.Speed != nil && *obs.Speed > 0:
		sample = *obs.Speed
	case prevStep > 0 && obs.Step > prevStep && !r.lastStepAt.IsZero():
		elapsed := now.Sub(r.lastStepAt).Seconds()
		if elapsed <= 0 {
			return
		}
		sample = float64(obs.Step-prevStep) / elapsed
	default:
		return
	}

	if !r.hasSpeed {
		r.emaSpeed = sample
		r.hasSpeed = true
	} else {
		r.emaSpeed = r.alpha*sample + (1-r.alpha)*r.emaSpeed
	}
	speed := r.emaSpeed
	r.current.IterationSpeed = &speed
}

func (r *Reconciler) updateETA(now time.Time) {
	step := r.current.CurrentStep
	total := r.current.TotalSteps
	if step <= 0 || total <= 0 || step >= total {
		r.current.ETASeconds = nil
		return
	}

	remaining := total - step
	var eta int64
	if r.hasSpeed && r.emaSpeed > 0 {
		eta = int64(float64(remaining)/r.emaSpeed + 0.5)
	} else {
		elapsed := now.Sub(r.startedAt).Seconds()
		eta = int64(elapsed/float64(step)*float64(remaining) + 0.5)
	}
	r.current.ETASeconds = &eta
}

// Current returns a copy of the reconciled progress.
func (r *Reconciler) Current() models.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Seed primes the reconciler from previously persisted progress so a
// redelivered job does not report step zero again.
func (r *Reconciler) Seed(p models.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = p
}
