// Package slideshow drives the automatic cycling of images.
//
// An Engine advances through a Sequence on a one-shot timer and keeps the
// image that comes next prefetched (and pinned) in a shared cache. The
// display is the source of truth for what is currently shown: the engine
// asks its DocumentSource each time it needs a position.
package slideshow

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identifier names an image, typically a file:// URI.
type Identifier string

// DocumentSource reports the identifier of the most recently loaded image.
type DocumentSource interface {
	CurrentIdentifier() Identifier
}

// PrefetchHandle is the engine's interest in an in-flight or finished fetch.
type PrefetchHandle interface {
	// Release drops the interest of requester. Safe to call more than once
	// and after completion.
	Release(requester string)
}

// ImageCache is the shared cache the engine prefetches into.
//
// Prefetch must never call done from inside Prefetch itself; done is
// invoked at most once, later, from any goroutine.
type ImageCache interface {
	Prefetch(id Identifier, requester string, done func(ok bool)) PrefetchHandle
	SetPriority(id Identifier, enabled bool)
}

// StopReason tells listeners why a run ended.
type StopReason int

const (
	StopRequested  StopReason = iota // Stop or Close was called
	StopEndReached                   // no next identifier under the current policy
	StopDesync                       // the displayed identifier is not in the sequence
)

func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "stopped"
	case StopEndReached:
		return "end reached"
	case StopDesync:
		return "lost track of the current image"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Events are the notifications an Engine emits. Nil fields are ignored.
// Callbacks run without the engine lock held and may call back into it.
type Events struct {
	AdvanceRequested func(id Identifier)
	RunStateChanged  func(running bool)
	Finished         func(reason StopReason)
}

// LoggerFunc defines a function signature for logging messages.
type LoggerFunc func(message string)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand sets the source used to shuffle sequences.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l LoggerFunc) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRequester overrides the generated requester id.
func WithRequester(id string) Option {
	return func(e *Engine) { e.requester = id }
}

// Engine is the slideshow state machine. It is idle until Start succeeds and
// running until Stop, the end of the sequence, or a desync.
type Engine struct {
	mu sync.Mutex

	doc       DocumentSource
	cache     ImageCache
	events    Events
	clock     Clock
	rng       *rand.Rand
	logger    LoggerFunc
	requester string

	settings Settings

	running    bool
	seq        Sequence
	startIndex int

	timer        Timer
	timerGen     uint64 // incremented on each arm and disarm; stale fires compare against it
	timerArmed   bool
	timerElapsed bool

	prefetch    Identifier
	handle      PrefetchHandle // non-nil while a prefetch is in flight
	prefetchGen uint64         // identifies the live handle to its completion callback
	pinned      Identifier
	hasPin      bool
}

// New creates an idle engine bound to doc and cache.
func New(doc DocumentSource, cache ImageCache, events Events, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		doc:       doc,
		cache:     cache,
		events:    events,
		clock:     SystemClock{},
		requester: "slideshow-" + uuid.NewString(),
		settings:  normalize(settings),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

func normalize(s Settings) Settings {
	if s.Delay <= 0 {
		s.Delay = DefaultDelay
	}
	if s.DelayUnit == "" {
		s.DelayUnit = DefaultDelayUnit
	}
	return s
}

// notifier collects callbacks while the lock is held so they fire after it
// is released.
type notifier []func()

func (n notifier) fire() {
	for _, f := range n {
		f()
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger(fmt.Sprintf(format, args...))
	} else {
		log.Printf(format, args...)
	}
}

// Requester returns the id the engine uses when talking to the cache.
func (e *Engine) Requester() string {
	return e.requester
}

// IsRunning reports whether a run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Settings returns the current configuration.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Sequence returns the sequence of the current or last run.
func (e *Engine) Sequence() Sequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Start begins a run over ids. The currently displayed identifier must be in
// ids; otherwise a warning is logged and the engine stays idle. Starting
// while running restarts from the current image.
func (e *Engine) Start(ids []Identifier) {
	e.mu.Lock()
	var n notifier

	wasRunning := e.running
	if wasRunning {
		e.teardownLocked()
	}

	var rng *rand.Rand
	if e.settings.Random {
		rng = e.rng
	}
	seq := NewSequence(ids, rng)
	current := e.doc.CurrentIdentifier()
	start, ok := seq.IndexOf(current)
	if !ok {
		if seq.Len() == 0 {
			e.logf("slideshow: empty sequence, not starting")
		} else {
			e.logf("slideshow: current image %q not found in sequence, not starting", current)
		}
		if wasRunning {
			n = e.stoppedLocked(n, StopDesync)
		}
		e.mu.Unlock()
		n.fire()
		return
	}

	e.seq = seq
	e.startIndex = start
	e.running = true
	if !wasRunning && e.events.RunStateChanged != nil {
		cb := e.events.RunStateChanged
		n = append(n, func() { cb(true) })
	}
	e.armTimerLocked()
	e.prefetchLocked()
	e.mu.Unlock()
	n.fire()
}

// Stop ends the run. It is a no-op when idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	var n notifier
	if e.running {
		e.teardownLocked()
		n = e.stoppedLocked(n, StopRequested)
	} else {
		e.releaseLocked()
	}
	e.mu.Unlock()
	n.fire()
}

// Close stops the engine and releases any pin it still holds.
func (e *Engine) Close() {
	e.Stop()
}

// NotifyLoaded is called by the display once the image requested through
// AdvanceRequested (or any other image) has finished loading. While running
// it re-arms the timer and prefetches the image after the new current one.
func (e *Engine) NotifyLoaded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.armTimerLocked()
	e.prefetchLocked()
}

// Configure replaces the whole configuration. A changed interval re-arms a
// pending timer. Random only affects the next Start.
func (e *Engine) Configure(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.settings.Interval()
	e.settings = normalize(s)
	if e.settings.Interval() != old {
		e.rearmLocked()
	}
}

// SetDelay changes the delay value. A pending timer is re-armed with the new
// interval, counted from now.
func (e *Engine) SetDelay(delay float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if delay <= 0 {
		delay = DefaultDelay
	}
	e.settings.Delay = delay
	e.rearmLocked()
}

// SetDelayUnit changes the unit of the delay value.
func (e *Engine) SetDelayUnit(u DelayUnit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u == "" {
		u = DefaultDelayUnit
	}
	e.settings.DelayUnit = u
	e.rearmLocked()
}

// SetLoop sets whether the show wraps past its starting image.
func (e *Engine) SetLoop(loop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.Loop = loop
}

// SetRandom sets whether the next Start shuffles the sequence.
func (e *Engine) SetRandom(random bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.Random = random
}

// SetStopAtEnd sets whether reaching the last image stops instead of wrapping.
func (e *Engine) SetStopAtEnd(stop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.StopAtEnd = stop
}

func (e *Engine) armTimerLocked() {
	e.disarmLocked()
	e.timerGen++
	gen := e.timerGen
	e.timerArmed = true
	e.timerElapsed = false
	e.timer = e.clock.AfterFunc(e.settings.Interval(), func() { e.onTimeout(gen) })
}

func (e *Engine) rearmLocked() {
	if e.running && e.timerArmed {
		e.armTimerLocked()
	}
}

func (e *Engine) disarmLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.timerArmed = false
}

func (e *Engine) onTimeout(gen uint64) {
	e.mu.Lock()
	if !e.running || gen != e.timerGen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.timerArmed = false
	e.timerElapsed = true
	n := e.attemptAdvanceLocked(nil)
	e.mu.Unlock()
	n.fire()
}

func (e *Engine) onPrefetchDone(gen uint64, ok bool) {
	e.mu.Lock()
	if e.handle == nil || gen != e.prefetchGen {
		e.mu.Unlock()
		return
	}
	if !ok {
		e.logf("slideshow: prefetch of %q failed", e.prefetch)
	}
	e.handle.Release(e.requester)
	e.handle = nil
	n := e.attemptAdvanceLocked(nil)
	e.mu.Unlock()
	n.fire()
}

// attemptAdvanceLocked advances once both the timer has elapsed and no
// prefetch is in flight. It consumes the elapsed flag, so each armed timer
// yields at most one advance.
func (e *Engine) attemptAdvanceLocked(n notifier) notifier {
	if !e.running || !e.timerElapsed || e.handle != nil {
		return n
	}
	e.timerElapsed = false

	current := e.doc.CurrentIdentifier()
	next, res := findNext(e.seq, current, e.startIndex, e.settings.Loop, e.settings.StopAtEnd)
	switch res {
	case nextDesync:
		e.logf("slideshow: current image %q not found in sequence, stopping", current)
		e.teardownLocked()
		return e.stoppedLocked(n, StopDesync)
	case nextEnd:
		e.teardownLocked()
		return e.stoppedLocked(n, StopEndReached)
	}

	if cb := e.events.AdvanceRequested; cb != nil {
		n = append(n, func() { cb(next) })
	}
	return n
}

func (e *Engine) prefetchLocked() {
	next, res := findNext(e.seq, e.doc.CurrentIdentifier(), e.startIndex, e.settings.Loop, e.settings.StopAtEnd)
	if res != nextFound {
		return
	}

	if e.handle != nil {
		e.handle.Release(e.requester)
		e.handle = nil
	}
	if e.hasPin && e.pinned != next {
		e.cache.SetPriority(e.pinned, false)
		e.hasPin = false
	}

	e.prefetchGen++
	gen := e.prefetchGen
	e.handle = e.cache.Prefetch(next, e.requester, func(ok bool) {
		e.onPrefetchDone(gen, ok)
	})
	e.prefetch = next
	e.cache.SetPriority(next, true)
	e.pinned = next
	e.hasPin = true
}

// teardownLocked disarms the timer and drops the prefetch and pin. It leaves
// the sequence in place for inspection.
func (e *Engine) teardownLocked() {
	e.disarmLocked()
	e.timerElapsed = false
	e.releaseLocked()
	e.running = false
}

func (e *Engine) releaseLocked() {
	if e.handle != nil {
		e.handle.Release(e.requester)
		e.handle = nil
	}
	e.prefetchGen++
	e.prefetch = ""
	if e.hasPin {
		e.cache.SetPriority(e.pinned, false)
		e.hasPin = false
		e.pinned = ""
	}
}

func (e *Engine) stoppedLocked(n notifier, reason StopReason) notifier {
	if cb := e.events.RunStateChanged; cb != nil {
		n = append(n, func() { cb(false) })
	}
	if cb := e.events.Finished; cb != nil {
		n = append(n, func() { cb(reason) })
	}
	return n
}
