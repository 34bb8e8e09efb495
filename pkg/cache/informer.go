package cache

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// EventType names the four events an Informer fans out to subscribers,
// mirroring the corresponding Store mutation.
type EventType string

const (
	EventReplace EventType = "REPLACE"
	EventAdd     EventType = "ADD"
	EventUpdate  EventType = "UPDATE"
	EventDelete  EventType = "DELETE"
)

// InformerEvent is the payload an Informer delivers to a subscriber:
// identical to the corresponding Store mutation's arguments. Items is
// populated only for EventReplace; Object only for the other three.
type InformerEvent struct {
	Type   EventType
	Object *unstructured.Unstructured
	Items  []*unstructured.Unstructured
}

// Informer composes one Store and one Reflector: the Reflector's four
// mutation callbacks land on the Store and are also
// fanned out as named events to every subscriber added with
// AddEventListener.
type Informer struct {
	store     Store
	reflector *Reflector

	mu        sync.Mutex
	listeners []*informerListener
}

// NewInformer builds an Informer whose Store is keyed by keyFn (nil
// defaults to MetaUIDKeyFunc) and whose Reflector watches lw.
func NewInformer(lw ListWatcher, keyFn KeyFunc, opts ReflectorOptions) *Informer {
	inf := &Informer{}
	resyncFn := func(obj *unstructured.Unstructured) error {
		inf.distribute(InformerEvent{Type: EventUpdate, Object: obj})
		return nil
	}
	inf.store = NewResyncableStore(keyFn, resyncFn)
	sink := &informerSink{store: inf.store, informer: inf}
	inf.reflector = NewReflector(lw, sink, opts)
	return inf
}

// Store returns the Informer's underlying Store for synchronous reads.
func (inf *Informer) Store() Store { return inf.store }

// HasSynced delegates to the underlying Store's one-shot latch.
func (inf *Informer) HasSynced() bool { return inf.store.HasSynced() }

// LastSyncResourceVersion delegates to the underlying Reflector.
func (inf *Informer) LastSyncResourceVersion() string { return inf.reflector.LastSyncResourceVersion() }

// AddEventListener registers a new subscriber and returns the channel
// it will receive InformerEvents on. bufferSize bounds how many events
// may sit in the channel itself before the listener's internal queue
// (unbounded) starts absorbing backlog instead — a slow consumer never
// blocks the Reflector's single writer goroutine.
func (inf *Informer) AddEventListener(bufferSize int) <-chan InformerEvent {
	l := newInformerListener(bufferSize)
	inf.mu.Lock()
	inf.listeners = append(inf.listeners, l)
	inf.mu.Unlock()
	go l.run()
	return l.resultCh
}

func (inf *Informer) distribute(event InformerEvent) {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	for _, l := range inf.listeners {
		l.add(event)
	}
}

// Run starts the Reflector's list-then-watch loop and returns a cancel
// handle; invoking it propagates cancellation to the Reflector and
// stops every listener goroutine.
func (inf *Informer) Run(ctx context.Context) (cancel func()) {
	runCtx, cancelRun := context.WithCancel(ctx)
	go inf.reflector.Run(runCtx)
	return func() {
		cancelRun()
		inf.reflector.Stop()
		inf.mu.Lock()
		defer inf.mu.Unlock()
		for _, l := range inf.listeners {
			l.stop()
		}
	}
}

// informerSink adapts Informer's Store into the StoreSink the Reflector
// drives, additionally distributing each mutation as a named event.
type informerSink struct {
	store    Store
	informer *Informer
}

func (s *informerSink) Replace(items []*unstructured.Unstructured, resourceVersion string) error {
	if err := s.store.Replace(items, resourceVersion); err != nil {
		return err
	}
	s.informer.distribute(InformerEvent{Type: EventReplace, Items: items})
	return nil
}

func (s *informerSink) Add(obj *unstructured.Unstructured) error {
	if err := s.store.Add(obj); err != nil {
		return err
	}
	s.informer.distribute(InformerEvent{Type: EventAdd, Object: obj})
	return nil
}

func (s *informerSink) Update(obj *unstructured.Unstructured) error {
	if err := s.store.Update(obj); err != nil {
		return err
	}
	s.informer.distribute(InformerEvent{Type: EventUpdate, Object: obj})
	return nil
}

func (s *informerSink) Delete(obj *unstructured.Unstructured) error {
	if err := s.store.Delete(obj); err != nil {
		return err
	}
	s.informer.distribute(InformerEvent{Type: EventDelete, Object: obj})
	return nil
}

// Resync forwards to the underlying Store so Reflector's periodic
// resync loop reaches it; the re-delivery as EventUpdate happens via
// the ResyncFunc NewInformer wires into the Store, not here.
func (s *informerSink) Resync() error { return s.store.Resync() }

// informerListener is a single subscriber's event queue: an unbounded
// slice-backed buffer feeding a bounded channel, so one slow subscriber
// never stalls the Reflector that feeds them all.
type informerListener struct {
	resultCh chan InformerEvent
	addCh    chan InformerEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newInformerListener(bufferSize int) *informerListener {
	return &informerListener{
		resultCh: make(chan InformerEvent, bufferSize),
		addCh:    make(chan InformerEvent),
		stopCh:   make(chan struct{}),
	}
}

func (l *informerListener) add(event InformerEvent) {
	select {
	case l.addCh <- event:
	case <-l.stopCh:
	}
}

func (l *informerListener) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *informerListener) run() {
	defer close(l.resultCh)

	var pending []InformerEvent
	var nextCh chan InformerEvent
	var notification InformerEvent
	haveNotification := false

	for {
		if haveNotification {
			nextCh = l.resultCh
		} else {
			nextCh = nil
		}
		select {
		case nextCh <- notification:
			haveNotification = false
			if len(pending) > 0 {
				notification, pending = pending[0], pending[1:]
				haveNotification = true
			}
		case added := <-l.addCh:
			if !haveNotification {
				notification = added
				haveNotification = true
			} else {
				pending = append(pending, added)
			}
		case <-l.stopCh:
			return
		}
	}
}
