package cache_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/resourcewatch/reflectorcache/pkg/cache"
	fakecache "github.com/resourcewatch/reflectorcache/pkg/cache/testing"
)

var podGVK = schema.GroupVersionKind{Version: "v1", Kind: "Pod"}

// newTestContext returns a context cancelled automatically at the end
// of the test, for the many tests here that only need Run's cancel
// handle, not the parent context's.
func newTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func storeKeys(s cache.Store) []string {
	keys := s.ListKeys()
	sort.Strings(keys)
	return keys
}

// runReflectorUntil starts r.Run in the background, waits for cond to
// go true (or fails the test), then stops the reflector and waits for
// Run to return, so each test ends with no goroutine leaked.
func runReflectorUntil(t *testing.T, r *cache.Reflector, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, "condition never became true")
	r.Stop()
	cancel()
	<-done
}

func TestReflectorHappyPathListThenWatch(t *testing.T) {
	lw := fakecache.NewSequentialListWatch(podGVK)
	lw.QueueList(fakecache.ListStep{Page: &cache.ListPage{
		ResourceVersion: "100",
		Items: []unstructured.Unstructured{
			*fakecache.NewObject("v1", "Pod", "a", "99"),
			*fakecache.NewObject("v1", "Pod", "b", "100"),
		},
	}})
	lw.QueueWatch(fakecache.WatchStep{Watch: fakecache.NewScriptedWatch([]cache.Event{
		fakecache.AddedEvent(fakecache.NewObject("v1", "Pod", "c", "101")),
		fakecache.DeletedEvent(fakecache.NewObject("v1", "Pod", "a", "102")),
	})})

	store := cache.NewStore(cache.MetaUIDKeyFunc)
	r := cache.NewNamedReflector("happy-path", lw, store, cache.ReflectorOptions{})

	runReflectorUntil(t, r, func() bool {
		return r.LastSyncResourceVersion() == "102"
	})

	require.Equal(t, []string{"b", "c"}, storeKeys(store))
	require.True(t, r.HasInitializedSynced())
}

func TestReflectorRecoversFromExpiredList(t *testing.T) {
	lw := fakecache.NewSequentialListWatch(podGVK)
	lw.QueueList(fakecache.ListStep{Err: apierrors.NewResourceExpired("watch cache exhausted")})
	lw.QueueList(fakecache.ListStep{Page: &cache.ListPage{
		ResourceVersion: "200",
		Items: []unstructured.Unstructured{
			*fakecache.NewObject("v1", "Pod", "x", "200"),
		},
	}})
	lw.QueueWatch(fakecache.WatchStep{Watch: fakecache.NewScriptedWatch([]cache.Event{
		fakecache.BookmarkEvent(fakecache.NewObject("v1", "Pod", "", "201")),
	})})

	store := cache.NewStore(cache.MetaUIDKeyFunc)
	r := cache.NewNamedReflector("expired-list-recovery", lw, store, cache.ReflectorOptions{})

	runReflectorUntil(t, r, func() bool {
		return r.LastSyncResourceVersion() == "201"
	})

	require.Equal(t, []string{"x"}, storeKeys(store))
	require.True(t, r.HasInitializedSynced())
}

func TestReflectorConnectionRefusedRetriesLocallyWithoutRelisting(t *testing.T) {
	lw := fakecache.NewSequentialListWatch(podGVK)
	lw.QueueList(fakecache.ListStep{Page: &cache.ListPage{ResourceVersion: "1"}})
	lw.QueueWatch(fakecache.WatchStep{Err: apierrors.NewServiceUnavailable("connection refused")})
	lw.QueueWatch(fakecache.WatchStep{Watch: fakecache.NewScriptedWatch([]cache.Event{
		fakecache.AddedEvent(fakecache.NewObject("v1", "Pod", "a", "2")),
	})})

	store := cache.NewStore(cache.MetaUIDKeyFunc)
	classifier := cache.ErrorClassifier{
		IsConnectionRefused: func(err error) bool { return err != nil },
	}
	r := cache.NewNamedReflector("connection-refused", lw, store, cache.ReflectorOptions{
		ErrorClassifier:              classifier,
		ConnectionRefusedRetryPeriod: time.Millisecond,
	})

	runReflectorUntil(t, r, func() bool {
		return r.LastSyncResourceVersion() == "2"
	})

	require.Equal(t, []string{"a"}, storeKeys(store))
}

func TestReflectorStopIsIdempotentAndDestroysAgent(t *testing.T) {
	agent := &fakecache.FakeAgent{}
	lw := &fakecache.ListWatch{
		GVK:        podGVK,
		AgentValue: agent,
		ListFunc: func(ctx context.Context, opts cache.ListOptions) (*cache.ListPage, error) {
			return &cache.ListPage{ResourceVersion: "1"}, nil
		},
		WatchFunc: func(ctx context.Context, opts cache.WatchOptions) (cache.WatchInterface, error) {
			return fakecache.NewScriptedWatch(nil), nil
		},
	}
	store := cache.NewStore(cache.MetaUIDKeyFunc)
	r := cache.NewNamedReflector("stop-idempotent", lw, store, cache.ReflectorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, r.HasInitializedSynced, 2*time.Second, time.Millisecond)

	r.Stop()
	r.Stop() // must not panic or double-close anything
	<-done

	require.True(t, agent.Destroyed())
}
