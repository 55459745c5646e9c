// Package imagecache keeps decoded images in memory for the viewer and the
// slideshow. Decodes run in the background, bounded by a worker count, and
// the cache stays within a byte budget by evicting the least recently used
// unpinned images.
package imagecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"gvslide/internal/slideshow"
)

// ErrClosed is returned by Get once the cache has been closed.
var ErrClosed = errors.New("image cache closed")

// LoggerFunc defines a function signature for logging messages.
type LoggerFunc func(message string)

// Options configures a Cache.
type Options struct {
	MaxBytes int64 // budget for ready images; pinned images may exceed it
	Workers  int   // concurrent decodes, at least 1
	Logger   LoggerFunc
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries   int
	Loading   int
	Bytes     int64
	Pinned    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	id       slideshow.Identifier
	done     chan struct{} // closed once loading finished
	finished bool
	ready    bool // finished, succeeded and held by the cache
	img      *Image
	err      error
	cancel   context.CancelFunc
	handles  map[*Handle]struct{}
	waiters  int
	elem     *list.Element
}

// Cache is safe for concurrent use.
type Cache struct {
	loader Loader
	sem    *semaphore.Weighted
	logger LoggerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	entries   map[slideshow.Identifier]*entry
	lru       *list.List // ready entries, most recently used first
	pinned    map[slideshow.Identifier]bool
	maxBytes  int64
	used      int64
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache that decodes through loader.
func New(loader Loader, opts Options) *Cache {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		loader:   loader,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[slideshow.Identifier]*entry),
		lru:      list.New(),
		pinned:   make(map[slideshow.Identifier]bool),
		maxBytes: opts.MaxBytes,
	}
}

func (c *Cache) logMessage(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger(fmt.Sprintf(format, args...))
	} else {
		log.Printf(format, args...)
	}
}

// Handle is one requester's interest in a prefetch.
type Handle struct {
	cache     *Cache
	entry     *entry
	requester string
	done      func(ok bool)
	released  bool
	delivered bool
}

// Release drops the handle's interest. Only the requester that created the
// handle can release it; repeated calls are no-ops. Once released, the
// completion callback will not run. A decode nobody else wants is cancelled.
func (h *Handle) Release(requester string) {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.released || requester != h.requester {
		return
	}
	h.released = true
	if h.entry != nil {
		delete(h.entry.handles, h)
		c.maybeCancelLocked(h.entry)
	}
}

// Prefetch starts decoding id unless it is already cached or loading, and
// returns a handle owned by requester. done, if not nil, runs once on another
// goroutine with the outcome, unless the handle is released first.
func (c *Cache) Prefetch(id slideshow.Identifier, requester string, done func(ok bool)) slideshow.PrefetchHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &Handle{cache: c, requester: requester, done: done}
	if c.closed {
		go c.deliver(h, false)
		return h
	}

	e := c.entries[id]
	if e == nil {
		e = c.startLocked(id)
	}
	h.entry = e
	if e.ready {
		c.lru.MoveToFront(e.elem)
		go c.deliver(h, true)
		return h
	}
	e.handles[h] = struct{}{}
	return h
}

func (c *Cache) deliver(h *Handle, ok bool) {
	c.mu.Lock()
	if h.released || h.delivered || h.done == nil {
		c.mu.Unlock()
		return
	}
	h.delivered = true
	c.mu.Unlock()
	h.done(ok)
}

// Get returns the decoded image for id, waiting for a decode in progress or
// starting one. It returns early with ctx's error.
func (c *Cache) Get(ctx context.Context, id slideshow.Identifier) (*Image, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.entries[id]
	switch {
	case e == nil:
		c.misses++
		e = c.startLocked(id)
	case e.ready:
		c.hits++
		c.lru.MoveToFront(e.elem)
		img := e.img
		c.mu.Unlock()
		return img, nil
	default:
		c.hits++ // joined a prefetch
	}
	e.waiters++
	c.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		c.mu.Lock()
		e.waiters--
		c.maybeCancelLocked(e)
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	e.waiters--
	c.mu.Unlock()
	if e.img == nil {
		return nil, e.err
	}
	return e.img, nil
}

// SetPriority pins or unpins id. A pinned image is never evicted, and an
// in-flight decode of it is never cancelled for lack of interest.
func (c *Cache) SetPriority(id slideshow.Identifier, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.pinned[id] = true
		return
	}
	if !c.pinned[id] {
		return
	}
	delete(c.pinned, id)
	if e := c.entries[id]; e != nil {
		c.maybeCancelLocked(e)
	}
	c.evictLocked()
}

// Invalidate forgets id, for instance after the file changed on disk. A
// decode in progress finishes for its current waiters but is not kept.
func (c *Cache) Invalidate(id slideshow.Identifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		return
	}
	delete(c.entries, id)
	if e.ready {
		c.dropLocked(e)
	}
}

// Contains reports whether id is decoded and held by the cache.
func (c *Cache) Contains(id slideshow.Identifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	return e != nil && e.ready
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Entries:   c.lru.Len(),
		Loading:   len(c.entries) - c.lru.Len(),
		Bytes:     c.used,
		Pinned:    len(c.pinned),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	return st
}

// Close cancels every decode, waits for the workers and empties the cache.
// It is safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, e := range c.entries {
		if e.ready {
			c.dropLocked(e)
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Cache) startLocked(id slideshow.Identifier) *entry {
	ctx, cancel := context.WithCancel(c.ctx)
	e := &entry{
		id:      id,
		done:    make(chan struct{}),
		cancel:  cancel,
		handles: make(map[*Handle]struct{}),
	}
	c.entries[id] = e
	c.wg.Add(1)
	go c.load(ctx, e)
	return e
}

func (c *Cache) load(ctx context.Context, e *entry) {
	defer c.wg.Done()
	var img *Image
	err := c.sem.Acquire(ctx, 1)
	if err == nil {
		img, err = c.loader.Load(ctx, e.id)
		c.sem.Release(1)
	}
	c.finish(e, img, err)
}

func (c *Cache) finish(e *entry, img *Image, err error) {
	c.mu.Lock()
	e.cancel()
	e.finished = true
	ok := err == nil && img != nil
	if ok {
		e.img = img
	} else {
		if err == nil {
			err = fmt.Errorf("loader returned no image for %s", e.id)
		}
		e.err = err
		if !errors.Is(err, context.Canceled) {
			c.logMessage("imagecache: loading %s failed: %v", e.id, err)
		}
	}

	if c.entries[e.id] == e {
		if ok && !c.closed {
			e.ready = true
			e.elem = c.lru.PushFront(e)
			c.used += img.Bytes()
			c.evictLocked()
		} else {
			delete(c.entries, e.id)
		}
	}

	var notify []*Handle
	for h := range e.handles {
		if !h.released && !h.delivered && h.done != nil {
			h.delivered = true
			notify = append(notify, h)
		}
	}
	e.handles = nil
	close(e.done)
	c.mu.Unlock()

	for _, h := range notify {
		h.done(ok)
	}
}

// maybeCancelLocked aborts a decode nobody is waiting for any more.
func (c *Cache) maybeCancelLocked(e *entry) {
	if e.finished || len(e.handles) > 0 || e.waiters > 0 || c.pinned[e.id] {
		return
	}
	e.cancel()
	if c.entries[e.id] == e {
		delete(c.entries, e.id)
	}
}

func (c *Cache) evictLocked() {
	for c.maxBytes > 0 && c.used > c.maxBytes {
		victim := c.lru.Back()
		for victim != nil && c.pinned[victim.Value.(*entry).id] {
			victim = victim.Prev()
		}
		if victim == nil {
			return
		}
		e := victim.Value.(*entry)
		delete(c.entries, e.id)
		c.dropLocked(e)
		c.evictions++
	}
}

func (c *Cache) dropLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	c.used -= e.img.Bytes()
	e.ready = false
}
