// Package viewer holds the document being displayed. It is the slideshow's
// display sink and its source for the current image.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"gvslide/internal/history"
	"gvslide/internal/imagecache"
	"gvslide/internal/slideshow"
)

// LoggerFunc defines a function signature for logging messages.
type LoggerFunc func(message string)

// Source provides decoded images; *imagecache.Cache satisfies it.
type Source interface {
	Get(ctx context.Context, id slideshow.Identifier) (*imagecache.Image, error)
}

// Options configures a Document. The callbacks run on the goroutine that
// finished the load, without the document lock held.
type Options struct {
	HistorySize int
	// OnLoaded fires after every completed load, successful or not. img is
	// nil when the load failed.
	OnLoaded func(id slideshow.Identifier, img *imagecache.Image)
	OnError  func(id slideshow.Identifier, err error)
	Logger   LoggerFunc
}

// Document tracks the image on screen.
type Document struct {
	source Source
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  slideshow.Identifier
	image    *imagecache.Image
	history  *history.History[slideshow.Identifier]
	gen      uint64
	inflight context.CancelFunc
}

// New creates an empty document reading from source.
func New(source Source, opts Options) *Document {
	ctx, cancel := context.WithCancel(context.Background())
	return &Document{
		source:  source,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		history: history.New[slideshow.Identifier](opts.HistorySize),
	}
}

func (d *Document) logMessage(format string, args ...interface{}) {
	if d.opts.Logger != nil {
		d.opts.Logger(fmt.Sprintf(format, args...))
	} else {
		log.Printf(format, args...)
	}
}

// CurrentIdentifier implements slideshow.DocumentSource. It is the identifier
// of the most recently completed load, or "" before the first one.
func (d *Document) CurrentIdentifier() slideshow.Identifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Image returns the decoded current image, nil if it failed to load.
func (d *Document) Image() *imagecache.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.image
}

// Open loads id synchronously and makes it current. A show in progress is
// abandoned. On failure the current document is left unchanged.
func (d *Document) Open(ctx context.Context, id slideshow.Identifier) (*imagecache.Image, error) {
	d.mu.Lock()
	gen := d.supersedeLocked()
	d.mu.Unlock()

	img, err := d.source.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", id, err)
	}

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return img, nil
	}
	d.setCurrentLocked(id, img, true)
	d.mu.Unlock()

	if d.opts.OnLoaded != nil {
		d.opts.OnLoaded(id, img)
	}
	return img, nil
}

// Show loads id in the background and makes it current once done, replacing
// any show still in progress. Use it as slideshow.Events.AdvanceRequested.
func (d *Document) Show(id slideshow.Identifier) {
	d.show(id, true)
}

// Back shows the previous entry of the navigation history.
func (d *Document) Back() bool {
	d.mu.Lock()
	id, ok := d.history.Back()
	d.mu.Unlock()
	if ok {
		d.show(id, false)
	}
	return ok
}

// Forward shows the next entry of the navigation history.
func (d *Document) Forward() bool {
	d.mu.Lock()
	id, ok := d.history.Forward()
	d.mu.Unlock()
	if ok {
		d.show(id, false)
	}
	return ok
}

// Forget drops id from the history, for instance after it was deleted.
func (d *Document) Forget(id slideshow.Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history.Remove(id)
}

// History returns the visited identifiers, oldest first.
func (d *Document) History() []slideshow.Identifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Items()
}

// Wait blocks until no show is in progress.
func (d *Document) Wait() {
	d.wg.Wait()
}

// Close abandons any show in progress and waits for it.
func (d *Document) Close() {
	d.mu.Lock()
	d.supersedeLocked()
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Document) show(id slideshow.Identifier, record bool) {
	d.mu.Lock()
	gen := d.supersedeLocked()
	ctx, cancel := context.WithCancel(d.ctx)
	d.inflight = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()
		img, err := d.source.Get(ctx, id)

		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.inflight = nil
		if errors.Is(err, context.Canceled) {
			d.mu.Unlock()
			return
		}
		d.setCurrentLocked(id, img, record)
		d.mu.Unlock()

		if err != nil {
			d.logMessage("viewer: failed to load %s: %v", id, err)
			if d.opts.OnError != nil {
				d.opts.OnError(id, err)
			}
		}
		if d.opts.OnLoaded != nil {
			d.opts.OnLoaded(id, img)
		}
	}()
}

// supersedeLocked invalidates the load in progress, if any.
func (d *Document) supersedeLocked() uint64 {
	d.gen++
	if d.inflight != nil {
		d.inflight()
		d.inflight = nil
	}
	return d.gen
}

func (d *Document) setCurrentLocked(id slideshow.Identifier, img *imagecache.Image, record bool) {
	d.current = id
	d.image = img
	if record {
		d.history.Record(id)
	}
}
