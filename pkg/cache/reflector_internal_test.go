package cache

import (
	"context"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func testGVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{Version: "v1", Kind: "X"}
}

func newTestReflector(lw ListWatcher, store StoreSink) *Reflector {
	return NewNamedReflector("test", lw, store, ReflectorOptions{})
}

func TestRelistResourceVersionThreeWayRule(t *testing.T) {
	r := newTestReflector(&ListWatch{GVK: testGVK()}, NewStore(nil))

	if got := r.relistResourceVersion(); got != "0" {
		t.Fatalf("initial relistResourceVersion() = %q, want %q", got, "0")
	}

	r.setLastSyncResourceVersion("50")
	if got := r.relistResourceVersion(); got != "50" {
		t.Fatalf("relistResourceVersion() with a cursor = %q, want %q", got, "50")
	}

	r.setIsLastSyncResourceVersionUnavailable(true)
	if got := r.relistResourceVersion(); got != "" {
		t.Fatalf("relistResourceVersion() with unavailable flag set = %q, want empty", got)
	}
}

func TestListLatchesPaginatedResultOnlyForInitialList(t *testing.T) {
	pagedLW := &ListWatch{
		GVK: testGVK(),
		ListFunc: func() func(ctx context.Context, opts ListOptions) (*ListPage, error) {
			step := 0
			return func(ctx context.Context, opts ListOptions) (*ListPage, error) {
				step++
				if step == 1 {
					return &ListPage{ResourceVersion: "10", Continue: "more"}, nil
				}
				return &ListPage{ResourceVersion: "11"}, nil
			}
		}(),
	}
	r2 := newTestReflector(pagedLW, NewStore(nil))
	if err := r2.list(context.Background()); err != nil {
		t.Fatalf("list(): %v", err)
	}
	if !r2.paginatedResult {
		t.Fatalf("initial list (RV=0) returning paginated data must latch paginatedResult")
	}

	// An expired-recovery list (RV="") that also comes back paginated
	// must NOT latch, even though it is, in isolation, "paginated".
	r3 := newTestReflector(&ListWatch{
		GVK: testGVK(),
		ListFunc: func() func(ctx context.Context, opts ListOptions) (*ListPage, error) {
			step := 0
			return func(ctx context.Context, opts ListOptions) (*ListPage, error) {
				step++
				switch step {
				case 1:
					return nil, apierrors.NewResourceExpired("expired")
				case 2:
					if opts.ResourceVersion != "" {
						t.Fatalf("recovery list should use RV=\"\", got %q", opts.ResourceVersion)
					}
					return &ListPage{ResourceVersion: "20", Continue: "more"}, nil
				default:
					return &ListPage{ResourceVersion: "21"}, nil
				}
			}
		}(),
	}, NewStore(nil))
	if err := r3.list(context.Background()); err != nil {
		t.Fatalf("list(): %v", err)
	}
	if r3.paginatedResult {
		t.Fatalf("an expired-recovery list (RV=\"\") must not latch paginatedResult even if it comes back paginated")
	}
}

func TestWatchHandlerVeryShortEmptyWatch(t *testing.T) {
	store := NewStore(nil)
	r := newTestReflector(&ListWatch{GVK: testGVK()}, store)
	w := &closedWatch{ch: make(chan Event)}
	close(w.ch)

	stopCh := make(chan struct{})
	err := r.watchHandler(r.clock.Now(), w, stopCh)
	if err == nil {
		t.Fatalf("expected a \"very short watch\" error, got nil")
	}
}

func TestWatchHandlerDropsMismatchedKind(t *testing.T) {
	store := NewStore(nil)
	r := newTestReflector(&ListWatch{GVK: testGVK()}, store)

	other := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Y",
		"metadata":   map[string]interface{}{"uid": "z", "resourceVersion": "5"},
	}}
	ch := make(chan Event, 1)
	ch <- Event{Type: "ADDED", Object: other}
	close(ch)
	w := &closedWatch{ch: ch}

	before := r.LastSyncResourceVersion()
	_ = r.watchHandler(r.clock.Now(), w, make(chan struct{}))
	if r.LastSyncResourceVersion() != before {
		t.Fatalf("cursor must not advance on a mismatched-kind event")
	}
	if len(store.List()) != 0 {
		t.Fatalf("store must not be mutated by a mismatched-kind event")
	}
}

// closedWatch is a minimal WatchInterface backed by a pre-built channel,
// used by the internal tests above that don't need the full scripted
// fake in pkg/cache/testing.
type closedWatch struct {
	ch chan Event
}

func (w *closedWatch) ResultChan() <-chan Event { return w.ch }
func (w *closedWatch) Stop()                     {}
