package cache

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// Agent is the cancellation lever for a ListWatcher's shared connection.
// Reflector.Stop calls Destroy, if present, so that in-flight list and
// watch HTTP calls abort immediately instead of waiting out their own
// timeouts.
type Agent interface {
	Destroy()
}

// ListOptions parameterizes a single page of a LIST call.
type ListOptions struct {
	// ResourceVersion is the relist cursor computed by the Reflector's
	// three-way rule, or the per-page continuation request built by
	// the ListPager.
	ResourceVersion string
	// Limit requests a page of at most this many items. Zero requests
	// an unpaginated list.
	Limit int64
	// Continue carries a server-issued continuation token for the next
	// page of an already-started paginated list.
	Continue string
}

// WatchOptions parameterizes a single WATCH call.
type WatchOptions struct {
	ResourceVersion     string
	AllowWatchBookmarks bool
	// TimeoutSeconds bounds how long the server may hold the stream
	// open; the Reflector always sets this to a jittered value derived
	// from minWatchTimeout.
	TimeoutSeconds *int64
}

// ListPage is one page of a LIST response. The aggregate-list paginated
// flag is not carried here — it describes the full list across however
// many pages the ListPager fetched, and is computed by ListPager.List,
// not by any single page.
type ListPage struct {
	ResourceVersion    string
	Continue           string
	RemainingItemCount *int64
	Items              []unstructured.Unstructured
}

// Event is a single record from a watch stream: a tagged {type, object}
// record, plus an Err field — a stream can yield a terminal transport
// error in place of a well-formed event.
type Event struct {
	Type   watch.EventType
	Object *unstructured.Unstructured
	Err    error
}

// WatchInterface is the lazy, finite sequence of Events a ListWatcher's
// Watch call resolves to. Stop must be safe to call more than once and
// must cause ResultChan to close promptly.
type WatchInterface interface {
	ResultChan() <-chan Event
	Stop()
}

// ListWatcher is the capability a caller supplies for one resource
// type. The core never constructs one; it only consumes it through
// this interface, keeping transport, auth and URL-building external
// collaborators out of the core entirely.
type ListWatcher interface {
	// GroupVersionKind identifies the resource type this ListWatcher
	// serves, used by the Reflector to drop watch events of the wrong
	// (apiVersion, kind).
	GroupVersionKind() schema.GroupVersionKind
	// Agent returns the shared connection agent for this ListWatcher,
	// or nil if there is none to destroy on Stop.
	Agent() Agent
	List(ctx context.Context, opts ListOptions) (*ListPage, error)
	Watch(ctx context.Context, opts WatchOptions) (WatchInterface, error)
}

// ListFunc and WatchFunc let a caller build a ListWatcher from two plain
// functions instead of a type.
type ListFunc func(ctx context.Context, opts ListOptions) (*ListPage, error)
type WatchFunc func(ctx context.Context, opts WatchOptions) (WatchInterface, error)

// ListWatch is a ListWatcher built from two functions plus a static GVK
// and optional agent, mirroring client-go's cache.ListWatch.
type ListWatch struct {
	GVK        schema.GroupVersionKind
	ListFunc   ListFunc
	WatchFunc  WatchFunc
	AgentValue Agent
}

var _ ListWatcher = &ListWatch{}

func (lw *ListWatch) GroupVersionKind() schema.GroupVersionKind { return lw.GVK }
func (lw *ListWatch) Agent() Agent                               { return lw.AgentValue }

func (lw *ListWatch) List(ctx context.Context, opts ListOptions) (*ListPage, error) {
	return lw.ListFunc(ctx, opts)
}

func (lw *ListWatch) Watch(ctx context.Context, opts WatchOptions) (WatchInterface, error) {
	return lw.WatchFunc(ctx, opts)
}
