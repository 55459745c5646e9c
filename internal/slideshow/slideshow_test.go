package slideshow

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and fires every due timer, outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	cache    *fakeCache
	id       Identifier
	done     func(bool)
	released bool
}

func (h *fakeHandle) Release(string) {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	h.released = true
}

type fakeCache struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	pins      map[Identifier]bool
	maxPinned int
}

func newFakeCache() *fakeCache {
	return &fakeCache{pins: make(map[Identifier]bool)}
}

func (c *fakeCache) Prefetch(id Identifier, _ string, done func(bool)) PrefetchHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &fakeHandle{cache: c, id: id, done: done}
	c.handles = append(c.handles, h)
	return h
}

func (c *fakeCache) SetPriority(id Identifier, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.pins[id] = true
	} else {
		delete(c.pins, id)
	}
	if len(c.pins) > c.maxPinned {
		c.maxPinned = len(c.pins)
	}
}

// complete finishes the most recent unreleased prefetch of id.
func (c *fakeCache) complete(t *testing.T, id Identifier, ok bool) {
	t.Helper()
	c.mu.Lock()
	var h *fakeHandle
	for i := len(c.handles) - 1; i >= 0; i-- {
		if c.handles[i].id == id && !c.handles[i].released {
			h = c.handles[i]
			break
		}
	}
	c.mu.Unlock()
	require.NotNil(t, h, "no live prefetch for %s", id)
	h.done(ok)
}

func (c *fakeCache) live() []Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Identifier
	for _, h := range c.handles {
		if !h.released {
			out = append(out, h.id)
		}
	}
	return out
}

func (c *fakeCache) pinned() []Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Identifier
	for id := range c.pins {
		out = append(out, id)
	}
	return out
}

type fakeDoc struct {
	mu      sync.Mutex
	current Identifier
}

func (d *fakeDoc) CurrentIdentifier() Identifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *fakeDoc) set(id Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = id
}

type recorder struct {
	mu       sync.Mutex
	advances []Identifier
	states   []bool
	reasons  []StopReason
}

func (r *recorder) events() Events {
	return Events{
		AdvanceRequested: func(id Identifier) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.advances = append(r.advances, id)
		},
		RunStateChanged: func(running bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, running)
		},
		Finished: func(reason StopReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reasons = append(r.reasons, reason)
		},
	}
}

func (r *recorder) advanced() []Identifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Identifier(nil), r.advances...)
}

type harness struct {
	clock  *fakeClock
	cache  *fakeCache
	doc    *fakeDoc
	rec    *recorder
	engine *Engine
	logs   []string
}

const tick = time.Millisecond

func newHarness(t *testing.T, current Identifier, settings Settings) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{},
		cache: newFakeCache(),
		doc:   &fakeDoc{current: current},
		rec:   &recorder{},
	}
	h.engine = New(h.doc, h.cache, h.rec.events(), settings,
		WithClock(h.clock),
		WithRand(rand.New(rand.NewSource(1))),
		WithLogger(func(msg string) { h.logs = append(h.logs, msg) }),
	)
	return h
}

// step plays one full cycle: timer fires, prefetch completes, display loads.
func (h *harness) step(t *testing.T, delay time.Duration) {
	t.Helper()
	live := h.cache.live()
	h.clock.Advance(delay)
	for _, id := range live {
		h.cache.complete(t, id, true)
	}
	adv := h.rec.advanced()
	if len(adv) > 0 && h.engine.IsRunning() {
		h.doc.set(adv[len(adv)-1])
		h.engine.NotifyLoaded()
	}
}

func ticks(n float64, loop, stopAtEnd bool) Settings {
	return Settings{Delay: n, DelayUnit: UnitTicks, Loop: loop, StopAtEnd: stopAtEnd}
}

func ids(names ...string) []Identifier {
	out := make([]Identifier, len(names))
	for i, n := range names {
		out[i] = Identifier(n)
	}
	return out
}

// --- findNext ---

func TestFindNextCycleDetection(t *testing.T) {
	seq := NewSequence(ids("a", "b", "c", "d", "e"), nil)
	for start := 0; start < seq.Len(); start++ {
		current := seq.At(start)
		var visited []Identifier
		for {
			next, res := findNext(seq, current, start, false, false)
			if res != nextFound {
				assert.Equal(t, nextEnd, res)
				break
			}
			visited = append(visited, next)
			current = next
			require.LessOrEqual(t, len(visited), seq.Len(), "cycle not detected from %d", start)
		}
		require.Len(t, visited, seq.Len()-1)
		for i, id := range visited {
			assert.Equal(t, seq.At((start+1+i)%seq.Len()), id)
		}
	}
}

func TestFindNextLoopNeverEnds(t *testing.T) {
	seq := NewSequence(ids("a", "b", "c"), nil)
	current := Identifier("b")
	var visited []Identifier
	for i := 0; i < 3*seq.Len(); i++ {
		next, res := findNext(seq, current, 1, true, false)
		require.Equal(t, nextFound, res)
		visited = append(visited, next)
		current = next
	}
	assert.Equal(t, visited[:3], visited[3:6])
	assert.Equal(t, visited[:3], visited[6:9])
}

func TestFindNextStopAtEnd(t *testing.T) {
	seq := NewSequence(ids("a", "b", "c"), nil)
	for start := 0; start < seq.Len(); start++ {
		_, res := findNext(seq, "c", start, false, true)
		assert.Equal(t, nextEnd, res, "start %d", start)
		_, res = findNext(seq, "c", start, true, true)
		assert.Equal(t, nextEnd, res, "stop at end wins over loop, start %d", start)
	}
	next, res := findNext(seq, "a", 0, false, true)
	assert.Equal(t, nextFound, res)
	assert.Equal(t, Identifier("b"), next)
}

func TestFindNextDesync(t *testing.T) {
	seq := NewSequence(ids("a", "b"), nil)
	_, res := findNext(seq, "z", 0, true, false)
	assert.Equal(t, nextDesync, res)
}

// --- engine ---

func TestScenarioThreeImages(t *testing.T) {
	h := newHarness(t, "B", ticks(1, false, false))
	h.engine.Start(ids("A", "B", "C"))
	require.True(t, h.engine.IsRunning())
	assert.Equal(t, []bool{true}, h.rec.states)
	assert.Equal(t, []Identifier{"C"}, h.cache.live())

	h.step(t, tick)
	assert.Equal(t, ids("C"), h.rec.advanced())

	h.step(t, tick)
	assert.Equal(t, ids("C", "A"), h.rec.advanced())
	// B is the start image, so nothing is prefetched after A.
	assert.Empty(t, h.cache.live())

	h.step(t, tick)
	assert.Equal(t, ids("C", "A"), h.rec.advanced())
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, []bool{true, false}, h.rec.states)
	assert.Equal(t, []StopReason{StopEndReached}, h.rec.reasons)
	assert.Empty(t, h.cache.pinned())
}

func TestTimerWaitsForPrefetch(t *testing.T) {
	h := newHarness(t, "a", ticks(5, true, false))
	h.engine.Start(ids("a", "b", "c"))

	h.clock.Advance(5 * tick)
	assert.Empty(t, h.rec.advanced(), "must not advance while prefetch is in flight")

	h.cache.complete(t, "b", true)
	assert.Equal(t, ids("b"), h.rec.advanced())

	// Nothing else may trigger a second advance for the same timer.
	h.clock.Advance(50 * tick)
	assert.Equal(t, ids("b"), h.rec.advanced())
}

func TestPrefetchBeforeTimer(t *testing.T) {
	h := newHarness(t, "a", ticks(5, true, false))
	h.engine.Start(ids("a", "b"))

	h.cache.complete(t, "b", true)
	assert.Empty(t, h.rec.advanced())

	h.clock.Advance(4 * tick)
	assert.Empty(t, h.rec.advanced())
	h.clock.Advance(tick)
	assert.Equal(t, ids("b"), h.rec.advanced())
}

func TestPrefetchFailureStillAdvances(t *testing.T) {
	h := newHarness(t, "a", ticks(1, true, false))
	h.engine.Start(ids("a", "b"))
	h.clock.Advance(tick)
	h.cache.complete(t, "b", false)
	assert.Equal(t, ids("b"), h.rec.advanced())
	assert.NotEmpty(t, h.logs)
}

func TestPinExclusivity(t *testing.T) {
	h := newHarness(t, "a", ticks(1, true, false))
	h.engine.Start(ids("a", "b", "c", "d"))
	for i := 0; i < 8; i++ {
		h.step(t, tick)
		assert.LessOrEqual(t, len(h.cache.pinned()), 1)
	}
	assert.Equal(t, 1, h.cache.maxPinned)
	assert.Len(t, h.cache.live(), 1)

	h.engine.Stop()
	assert.Empty(t, h.cache.pinned())
	assert.Empty(t, h.cache.live())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, "a", ticks(1, false, false))
	assert.NotPanics(t, func() {
		h.engine.Stop()
		h.engine.Stop()
	})
	assert.Empty(t, h.rec.states)

	h.engine.Start(ids("a", "b"))
	h.engine.Stop()
	h.engine.Stop()
	assert.Equal(t, []bool{true, false}, h.rec.states)
	assert.Equal(t, []StopReason{StopRequested}, h.rec.reasons)
	assert.Zero(t, h.clock.active())
}

func TestStopIgnoresLateCompletions(t *testing.T) {
	h := newHarness(t, "a", ticks(1, false, false))
	h.engine.Start(ids("a", "b"))
	h.clock.Advance(tick)
	h.engine.Stop()

	h.cache.mu.Lock()
	stale := h.cache.handles[0]
	h.cache.mu.Unlock()
	stale.done(true)
	assert.Empty(t, h.rec.advanced())
}

func TestRestartClearsPrefetchState(t *testing.T) {
	h := newHarness(t, "a", ticks(1, true, false))
	h.engine.Start(ids("a", "b", "c"))
	h.cache.mu.Lock()
	first := h.cache.handles[0]
	h.cache.mu.Unlock()
	h.engine.Stop()

	h.doc.set("b")
	h.engine.Start(ids("a", "b", "c"))
	assert.Equal(t, []Identifier{"c"}, h.cache.live())

	// The first run's handle completing must not satisfy the new run.
	h.clock.Advance(tick)
	first.done(true)
	assert.Empty(t, h.rec.advanced())

	h.cache.complete(t, "c", true)
	assert.Equal(t, ids("c"), h.rec.advanced())
}

func TestStartWithoutCurrentImage(t *testing.T) {
	h := newHarness(t, "x", ticks(1, false, false))
	h.engine.Start(ids("a", "b"))
	assert.False(t, h.engine.IsRunning())
	assert.Empty(t, h.rec.states)
	assert.Empty(t, h.cache.live())
	assert.Zero(t, h.clock.active())
	require.Len(t, h.logs, 1)

	h.engine.Start(nil)
	assert.False(t, h.engine.IsRunning())
}

func TestDesyncStopsRun(t *testing.T) {
	h := newHarness(t, "a", ticks(1, true, false))
	h.engine.Start(ids("a", "b"))
	h.cache.complete(t, "b", true)
	h.doc.set("elsewhere")
	h.clock.Advance(tick)

	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, []StopReason{StopDesync}, h.rec.reasons)
	assert.Empty(t, h.cache.pinned())
}

func TestSetDelayRearmsTimer(t *testing.T) {
	h := newHarness(t, "a", ticks(10, true, false))
	h.engine.Start(ids("a", "b"))
	h.cache.complete(t, "b", true)

	h.engine.SetDelay(2)
	h.clock.Advance(2 * tick)
	assert.Equal(t, ids("b"), h.rec.advanced())
	assert.Equal(t, 2.0, h.engine.Settings().Delay)

	// The original 10 tick timer is gone.
	h.clock.Advance(20 * tick)
	assert.Equal(t, ids("b"), h.rec.advanced())
}

func TestSetDelayWhileIdleDoesNotArm(t *testing.T) {
	h := newHarness(t, "a", ticks(10, true, false))
	h.engine.SetDelay(3)
	assert.Zero(t, h.clock.active())
}

func TestSettersApplyToRun(t *testing.T) {
	h := newHarness(t, "a", ticks(1, false, false))
	h.engine.SetLoop(true)
	h.engine.SetStopAtEnd(true)
	h.engine.Start(ids("a", "b"))
	h.step(t, tick)
	assert.Equal(t, ids("b"), h.rec.advanced())
	h.step(t, tick)
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, []StopReason{StopEndReached}, h.rec.reasons)
}

func TestRandomShufflesCopy(t *testing.T) {
	in := ids("a", "b", "c", "d", "e", "f", "g", "h")
	h := newHarness(t, "a", Settings{Delay: 1, DelayUnit: UnitTicks, Random: true})
	h.engine.Start(in)
	require.True(t, h.engine.IsRunning())

	got := h.engine.Sequence().Items()
	assert.ElementsMatch(t, in, got)
	assert.NotEqual(t, in, got)
	assert.Equal(t, ids("a", "b", "c", "d", "e", "f", "g", "h"), in, "caller slice must not be reordered")
}

func TestLoopingRepeats(t *testing.T) {
	h := newHarness(t, "a", ticks(1, true, false))
	h.engine.Start(ids("a", "b", "c"))
	for i := 0; i < 6; i++ {
		h.step(t, tick)
	}
	assert.Equal(t, ids("b", "c", "a", "b", "c", "a"), h.rec.advanced())
	assert.True(t, h.engine.IsRunning())
}

func TestSettingsInterval(t *testing.T) {
	tests := []struct {
		name string
		in   Settings
		want time.Duration
	}{
		{"seconds", Settings{Delay: 3, DelayUnit: UnitSeconds}, 3 * time.Second},
		{"fractional seconds", Settings{Delay: 1.5, DelayUnit: UnitSeconds}, 1500 * time.Millisecond},
		{"ticks", Settings{Delay: 250, DelayUnit: UnitTicks}, 250 * time.Millisecond},
		{"default unit", Settings{Delay: 2}, 2 * time.Second},
		{"invalid delay", Settings{Delay: -1}, 10 * time.Second},
		{"clamped", Settings{Delay: 0.2, DelayUnit: UnitTicks}, minInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Interval())
		})
	}
}

func TestParseDelayUnit(t *testing.T) {
	u, err := ParseDelayUnit("ms")
	require.NoError(t, err)
	assert.Equal(t, UnitTicks, u)
	u, err = ParseDelayUnit("")
	require.NoError(t, err)
	assert.Equal(t, UnitSeconds, u)
	_, err = ParseDelayUnit("h")
	assert.Error(t, err)
}

func TestConfigureReplacesSettings(t *testing.T) {
	h := newHarness(t, "a", ticks(10, false, false))
	h.engine.Start(ids("a", "b", "c"))

	h.engine.Configure(Settings{Delay: 3, DelayUnit: UnitTicks, Loop: true})
	got := h.engine.Settings()
	assert.True(t, got.Loop)
	assert.Equal(t, 3*tick, got.Interval())

	h.cache.complete(t, "b", true)
	h.clock.Advance(3 * tick)
	assert.Equal(t, ids("b"), h.rec.advanced())

	h.engine.Configure(Settings{})
	assert.Equal(t, DefaultSettings(), h.engine.Settings())
}

func TestCloseReleasesPin(t *testing.T) {
	h := newHarness(t, "a", ticks(1, false, false))
	h.engine.Start(ids("a", "b"))
	require.Equal(t, ids("b"), h.cache.pinned())

	h.engine.Close()
	assert.False(t, h.engine.IsRunning())
	assert.Empty(t, h.cache.pinned())
	assert.Empty(t, h.cache.live())
	assert.Zero(t, h.clock.active())
	assert.Equal(t, []StopReason{StopRequested}, h.rec.reasons)

	h.engine.Close()
	assert.Equal(t, []StopReason{StopRequested}, h.rec.reasons)
	assert.Contains(t, h.engine.Requester(), "slideshow-")
}
