package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingolabs/fingo/internal/models"
)

// fakeClock lets tests drive the reconciler's notion of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReconciler() (*Reconciler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	r := NewReconciler(10*time.Second, 0.3)
	r.now = clock.now
	return r, clock
}

func TestParseLineStepFormat(t *testing.T) {
	parsed, ok := ParseLine("Step 37/200")
	require.True(t, ok)
	assert.Equal(t, 37, parsed.Step)
	assert.Equal(t, 200, parsed.Total)
	assert.Nil(t, parsed.Loss)

	parsed, ok = ParseLine("step: 5/10 loss: 0.0213 lr: 1e-4")
	require.True(t, ok)
	assert.Equal(t, 5, parsed.Step)
	assert.Equal(t, 10, parsed.Total)
	require.NotNil(t, parsed.Loss)
	assert.InDelta(t, 0.0213, *parsed.Loss, 1e-9)
	require.NotNil(t, parsed.LR)
	assert.InDelta(t, 1e-4, *parsed.LR, 1e-12)
}

func TestParseLineTqdmFormat(t *testing.T) {
	parsed, ok := ParseLine("my_lora:  42%|####      | 84/200 [01:15<01:43, 1.12it/s]")
	require.True(t, ok)
	assert.Equal(t, 84, parsed.Step)
	assert.Equal(t, 200, parsed.Total)
	require.NotNil(t, parsed.Speed)
	assert.InDelta(t, 1.12, *parsed.Speed, 1e-9)
}

func TestParseLineRejectsNonProgress(t *testing.T) {
	for _, line := range []string{
		"loading checkpoint shards",
		"",
		"Step 300/200", // step beyond total
		"ratio 5/0",
	} {
		_, ok := ParseLine(line)
		assert.False(t, ok, "line %q should not parse", line)
	}
}

func TestParseStructuredTotalKeyVariants(t *testing.T) {
	// Trainer builds disagree on the name of the total field.
	for _, line := range []string{
		`{"step": 500, "total": 1000, "loss": 0.021}`,
		`{"step": 500, "total_steps": 1000, "loss": 0.021}`,
		`{"step": 500, "steps_total": 1000, "loss": 0.021}`,
	} {
		obs, ok := ParseStructured(line)
		require.True(t, ok, "line %q should parse", line)
		assert.Equal(t, 500, obs.Step)
		assert.Equal(t, 1000, obs.Total)
		require.NotNil(t, obs.Loss)
		assert.InDelta(t, 0.021, *obs.Loss, 1e-9)
		assert.Equal(t, models.ProgressSourceStructured, obs.Source)
	}
}

func TestParseStructuredRejectsIncompleteRecords(t *testing.T) {
	for _, line := range []string{
		`{"step": 500}`,
		`{"total_steps": 1000}`,
		`{"step": 1200, "total_steps": 1000}`,
		`not json at all`,
	} {
		_, ok := ParseStructured(line)
		assert.False(t, ok, "line %q should not parse", line)
	}
}

func TestLogDerivedProgressWhenNoStructured(t *testing.T) {
	r, _ := newTestReconciler()

	p, changed := r.ObserveLine("Step 37/200")
	require.True(t, changed)
	assert.Equal(t, 37, p.CurrentStep)
	assert.Equal(t, 200, p.TotalSteps)
	assert.InDelta(t, 18.5, p.Percent, 1e-9)
	assert.Equal(t, models.ProgressSourceLogDerived, p.Source)
}

func TestStructuredSuppressesLogDerived(t *testing.T) {
	r, clock := newTestReconciler()

	p, changed := r.ObserveStructured(Observation{Step: 50, Total: 200})
	require.True(t, changed)
	assert.Equal(t, models.ProgressSourceStructured, p.Source)

	// Within the staleness window the scraped line is ignored even though
	// its step is higher.
	clock.advance(3 * time.Second)
	p, changed = r.ObserveLine("Step 60/200")
	assert.False(t, changed)
	assert.Equal(t, 50, p.CurrentStep)

	// After the window expires the log line is admitted again.
	clock.advance(11 * time.Second)
	p, changed = r.ObserveLine("Step 61/200")
	require.True(t, changed)
	assert.Equal(t, 61, p.CurrentStep)
	assert.Equal(t, models.ProgressSourceLogDerived, p.Source)
}

func TestStepsNeverMoveBackward(t *testing.T) {
	r, clock := newTestReconciler()

	_, changed := r.ObserveLine("Step 10/100")
	require.True(t, changed)

	clock.advance(time.Second)
	p, changed := r.ObserveLine("Step 8/100")
	assert.False(t, changed)
	assert.Equal(t, 10, p.CurrentStep)
}

func TestETAFromElapsed(t *testing.T) {
	r, clock := newTestReconciler()

	_, changed := r.ObserveLine("Step 0/100")
	require.True(t, changed)

	// 50 steps in 100 seconds with no explicit speed: 2s/step, 50 left.
	clock.advance(100 * time.Second)
	p, changed := r.ObserveLine("Step 50/100")
	require.True(t, changed)
	require.NotNil(t, p.ETASeconds)
	// Speed EMA kicks in from the step delta, both paths land near 100s.
	assert.InDelta(t, 100, float64(*p.ETASeconds), 5)
}

func TestETAClearedAtCompletion(t *testing.T) {
	r, clock := newTestReconciler()

	_, _ = r.ObserveLine("Step 50/100")
	clock.advance(time.Minute)
	p, changed := r.ObserveLine("Step 100/100")
	require.True(t, changed)
	assert.Nil(t, p.ETASeconds)
	assert.InDelta(t, 100.0, p.Percent, 1e-9)
}

func TestSpeedSmoothing(t *testing.T) {
	r, clock := newTestReconciler()

	speed := func(v float64) *float64 { return &v }

	p, _ := r.ObserveStructured(Observation{Step: 1, Total: 100, Speed: speed(2.0)})
	require.NotNil(t, p.IterationSpeed)
	assert.InDelta(t, 2.0, *p.IterationSpeed, 1e-9)

	// A single slow sample moves the average by alpha only.
	clock.advance(time.Second)
	p, _ = r.ObserveStructured(Observation{Step: 2, Total: 100, Speed: speed(0.5)})
	require.NotNil(t, p.IterationSpeed)
	assert.InDelta(t, 0.3*0.5+0.7*2.0, *p.IterationSpeed, 1e-9)
}

func TestSeedPrimesMonotonicity(t *testing.T) {
	r, _ := newTestReconciler()
	r.Seed(models.Progress{CurrentStep: 40, TotalSteps: 100, Percent: 40})

	p, changed := r.ObserveLine("Step 20/100")
	assert.False(t, changed)
	assert.Equal(t, 40, p.CurrentStep)

	p, changed = r.ObserveLine("Step 45/100")
	require.True(t, changed)
	assert.Equal(t, 45, p.CurrentStep)
}
