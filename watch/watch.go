// Package watch reports changes made to collection files by other processes.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/jsondoc/internal/atomicfile"
)

// Kind is the kind of change.
type Kind int

const (
	Added Kind = iota
	Deleted
	Modified
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a change of one collection file.
type Event struct {
	Kind       Kind
	Collection string
}

// Notifier watches a data directory and sends an Event per change.
//
// Atomic rewrites, including the store's own, show up as Added since the
// new file is renamed over the old one. Consumers are expected to reload the
// collection, which is idempotent.
type Notifier struct {
	w      *fsnotify.Watcher
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger
	once   sync.Once
}

// New starts watching dir. The caller must Close the Notifier.
func New(dir string, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	n := &Notifier{
		w:      w,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    logger,
	}
	n.wg.Add(1)
	go n.loop()
	return n, nil
}

// Events returns the channel of changes. It is closed by Close.
func (n *Notifier) Events() <-chan Event {
	return n.events
}

// Close stops watching and waits for the watcher goroutine to exit.
func (n *Notifier) Close() error {
	var err error
	n.once.Do(func() {
		close(n.done)
		err = n.w.Close()
		n.wg.Wait()
	})
	return err
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	defer close(n.events)
	for {
		select {
		case <-n.done:
			return
		case event, ok := <-n.w.Events:
			if !ok {
				return
			}
			ev, ok := translate(event)
			if !ok {
				continue
			}
			select {
			case n.events <- ev:
			case <-n.done:
				return
			}
		case err, ok := <-n.w.Errors:
			if !ok {
				return
			}
			n.log.Warn("Error watching collections", "err", err)
		}
	}
}

// translate maps a file system event to a collection event. Temporary files,
// lock files and other files are ignored.
func translate(event fsnotify.Event) (Event, bool) {
	base := filepath.Base(event.Name)
	if atomicfile.IsTemp(base) || !strings.HasSuffix(base, atomicfile.Ext) {
		return Event{}, false
	}
	name := strings.TrimSuffix(base, atomicfile.Ext)
	if name == "" {
		return Event{}, false
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Event{Kind: Deleted, Collection: name}, true
	case event.Has(fsnotify.Create):
		return Event{Kind: Added, Collection: name}, true
	case event.Has(fsnotify.Write):
		return Event{Kind: Modified, Collection: name}, true
	default:
		return Event{}, false
	}
}
