// Package testing provides fakes for exercising pkg/cache without a
// real API server: a scriptable ListWatcher, a scriptable watch, and
// unstructured.Unstructured fixture builders. Analogous in spirit to
// client-go/tools/cache/testing's controller_test.go fixtures.
package testing

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/resourcewatch/reflectorcache/pkg/cache"
)

// NewObject builds a fixture object with the three envelope fields the
// core reads: apiVersion/kind, and metadata.uid/resourceVersion.
func NewObject(apiVersion, kind, uid, resourceVersion string) *unstructured.Unstructured {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": apiVersion,
			"kind":       kind,
			"metadata": map[string]interface{}{
				"uid":             uid,
				"resourceVersion": resourceVersion,
			},
		},
	}
}

// FakeAgent is an Agent that records whether Destroy was called, so
// tests can assert a Reflector's Stop actually cancelled in-flight I/O.
type FakeAgent struct {
	mu        sync.Mutex
	destroyed bool
}

func (a *FakeAgent) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
}

func (a *FakeAgent) Destroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// ListWatch is a scriptable cache.ListWatcher: ListFunc and WatchFunc
// are called directly, letting a test return canned pages, canned
// watches, or errors in whatever sequence it needs.
type ListWatch struct {
	GVK       schema.GroupVersionKind
	ListFunc  func(ctx context.Context, opts cache.ListOptions) (*cache.ListPage, error)
	WatchFunc func(ctx context.Context, opts cache.WatchOptions) (cache.WatchInterface, error)
	AgentValue cache.Agent
}

var _ cache.ListWatcher = &ListWatch{}

func (lw *ListWatch) GroupVersionKind() schema.GroupVersionKind { return lw.GVK }
func (lw *ListWatch) Agent() cache.Agent                         { return lw.AgentValue }

func (lw *ListWatch) List(ctx context.Context, opts cache.ListOptions) (*cache.ListPage, error) {
	return lw.ListFunc(ctx, opts)
}

func (lw *ListWatch) Watch(ctx context.Context, opts cache.WatchOptions) (cache.WatchInterface, error) {
	return lw.WatchFunc(ctx, opts)
}

// SequentialListWatch serves ListPages and watches (or errors) in the
// order tests queue them, advancing one step per call — the common
// shape for end-to-end list/watch recovery scenarios ("first LIST
// throws expired; second LIST returns a fresh snapshot").
type SequentialListWatch struct {
	GVK schema.GroupVersionKind

	mu         sync.Mutex
	listSteps  []ListStep
	watchSteps []WatchStep
	listCalls  int
	watchCalls int
	AgentValue cache.Agent
}

// ListStep is one scripted response to a LIST call.
type ListStep struct {
	Page *cache.ListPage
	Err  error
}

// WatchStep is one scripted response to a WATCH call.
type WatchStep struct {
	Watch cache.WatchInterface
	Err   error
}

func NewSequentialListWatch(gvk schema.GroupVersionKind) *SequentialListWatch {
	return &SequentialListWatch{GVK: gvk}
}

func (s *SequentialListWatch) QueueList(step ListStep) *SequentialListWatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listSteps = append(s.listSteps, step)
	return s
}

func (s *SequentialListWatch) QueueWatch(step WatchStep) *SequentialListWatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchSteps = append(s.watchSteps, step)
	return s
}

func (s *SequentialListWatch) GroupVersionKind() schema.GroupVersionKind { return s.GVK }
func (s *SequentialListWatch) Agent() cache.Agent                         { return s.AgentValue }

func (s *SequentialListWatch) List(ctx context.Context, opts cache.ListOptions) (*cache.ListPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listCalls >= len(s.listSteps) {
		return nil, fmt.Errorf("fake listwatch: no more scripted LIST steps (call %d)", s.listCalls+1)
	}
	step := s.listSteps[s.listCalls]
	s.listCalls++
	return step.Page, step.Err
}

func (s *SequentialListWatch) Watch(ctx context.Context, opts cache.WatchOptions) (cache.WatchInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchCalls >= len(s.watchSteps) {
		return nil, fmt.Errorf("fake listwatch: no more scripted WATCH steps (call %d)", s.watchCalls+1)
	}
	step := s.watchSteps[s.watchCalls]
	s.watchCalls++
	return step.Watch, step.Err
}

// ScriptedWatch is a cache.WatchInterface fed from a fixed slice of
// events, optionally closing with a raw error instead of a normal
// channel close.
type ScriptedWatch struct {
	events   []cache.Event
	resultCh chan cache.Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ cache.WatchInterface = &ScriptedWatch{}

// NewScriptedWatch starts delivering events immediately on a
// background goroutine; closing (or erroring) after the last one.
func NewScriptedWatch(events []cache.Event) *ScriptedWatch {
	w := &ScriptedWatch{
		events:   events,
		resultCh: make(chan cache.Event),
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *ScriptedWatch) run() {
	defer close(w.resultCh)
	for _, event := range w.events {
		select {
		case w.resultCh <- event:
		case <-w.stopCh:
			return
		}
	}
}

func (w *ScriptedWatch) ResultChan() <-chan cache.Event { return w.resultCh }

func (w *ScriptedWatch) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// AddedEvent, ModifiedEvent and DeletedEvent build watch.Event-shaped
// cache.Events for the three mutating event types.
func AddedEvent(obj *unstructured.Unstructured) cache.Event {
	return cache.Event{Type: watch.Added, Object: obj}
}

func ModifiedEvent(obj *unstructured.Unstructured) cache.Event {
	return cache.Event{Type: watch.Modified, Object: obj}
}

func DeletedEvent(obj *unstructured.Unstructured) cache.Event {
	return cache.Event{Type: watch.Deleted, Object: obj}
}

func BookmarkEvent(obj *unstructured.Unstructured) cache.Event {
	return cache.Event{Type: watch.Bookmark, Object: obj}
}
