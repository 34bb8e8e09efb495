package cache

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/naming"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// minWatchTimeout is the floor of the randomized watch timeout window:
// actual timeouts are uniform over [minWatchTimeout, 2*minWatchTimeout),
// spreading reconnect load across concurrent watchers.
var minWatchTimeout = 5 * time.Minute

// internalPackages are skipped when a Reflector's name is inferred from
// its call site, so every Reflector built from inside this package
// doesn't get named "reflector.go" for every caller.
var internalPackages = []string{"reflectorcache/pkg/cache/"}

// WatchErrorHandler is invoked whenever listAndWatch drops the
// connection with a non-nil error, and once more with a nil error right
// after a watch stream opens successfully (a hook point a caller can
// use to flip a "syncing" status back to healthy).
type WatchErrorHandler func(r *Reflector, err error)

// DefaultWatchErrorHandler logs at a level appropriate to the error
// kind: quietly for an expected expiry, loudly for anything else.
func DefaultWatchErrorHandler(r *Reflector, err error) {
	if err == nil {
		return
	}
	switch {
	case r.errorClassifier.IsExpired(err):
		klog.V(4).Infof("%s: watch of %s closed with: %v", r.name, r.expectedGVK, err)
	default:
		utilruntime.HandleError(fmt.Errorf("%s: failed to watch %s: %w", r.name, r.expectedGVK, err))
	}
}

// ReflectorOptions are the functional options NewReflector accepts.
// Zero-valued fields take the defaults documented on each.
type ReflectorOptions struct {
	// Name identifies this Reflector in logs. Defaults to the call
	// site of NewReflector via naming.GetNameFromCallsite.
	Name string
	// ResyncPeriod, if non-zero, causes a background goroutine to
	// invoke ShouldResync on this interval and call the store's
	// Resync when it returns true.
	ResyncPeriod time.Duration
	// ShouldResync gates whether a resync timer firing actually
	// resyncs. Nil means "always yes".
	ShouldResync func() bool
	// Clock allows tests to control time.
	Clock clock.Clock
	// WatchListPageSize overrides the ListPager's page size. Zero
	// defers to the relistResourceVersion-based heuristic in list().
	WatchListPageSize int64
	// ErrorClassifier supplies the pure predicates used to triage
	// list/watch errors. Zero fields within it fall back to
	// DefaultErrorClassifier.
	ErrorClassifier ErrorClassifier
	// WatchErrorHandler overrides DefaultWatchErrorHandler.
	WatchErrorHandler WatchErrorHandler
	// StreamHandleForPaginatedList causes each page of a paginated list
	// to be added to the store directly instead of being buffered into
	// one Replace call.
	StreamHandleForPaginatedList bool
	// ForcePaginatedList forces relistResourceVersion() to return ""
	// even on the very first list, disabling the RV="0" watch-cache
	// fast path.
	ForcePaginatedList bool
	// MaxInternalErrorRetryDuration bounds how long a watch loop keeps
	// retrying an internal-error watch failure locally before giving
	// up. Defaults to one minute.
	MaxInternalErrorRetryDuration time.Duration
	// BackoffOptions configures the outer relist backoff.
	BackoffOptions BackoffOptions
	// InitConnBackoffOptions configures the independent backoff used
	// for too-many-requests (429) errors opening or draining a watch.
	// Connection-refused errors sleep on ConnectionRefusedRetryPeriod
	// instead.
	InitConnBackoffOptions BackoffOptions
	// ConnectionRefusedRetryPeriod is the base period randomized via
	// randomizeTimeout before retrying a connection-refused watch
	// locally. Defaults to one second.
	ConnectionRefusedRetryPeriod time.Duration
	// Metrics, if non-nil, receives Prometheus instrumentation for this
	// Reflector's list/watch lifecycle. Nil disables instrumentation
	// entirely rather than registering collectors no one reads.
	Metrics *ReflectorMetrics
}

// Reflector is the list-then-watch loop: it keeps a StoreSink in sync
// with a remote collection exposed through a ListWatcher, by listing a
// snapshot and then applying a watch stream's deltas.
type Reflector struct {
	name string

	expectedGVK schema.GroupVersionKind

	store         StoreSink
	listerWatcher ListWatcher

	backoffManager                *BackoffManager
	initConnBackoffManager        *BackoffManager
	connectionRefusedRetryPeriod  time.Duration
	maxInternalErrorRetryDuration time.Duration

	resyncPeriod time.Duration
	shouldResync func() bool

	clock clock.Clock

	// paginatedResult is written and read only from the single Run
	// goroutine, so it needs no synchronization.
	paginatedResult bool

	lastSyncResourceVersionMutex         sync.RWMutex
	lastSyncResourceVersion              string
	isLastSyncResourceVersionUnavailable bool

	watchListPageSize            int64
	errorClassifier              ErrorClassifier
	watchErrorHandler            WatchErrorHandler
	streamHandleForPaginatedList bool
	forcePaginatedList           bool

	hasInitializedSynced *atomic.Bool
	stopRequested        *atomic.Bool

	metrics *ReflectorMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewReflector builds a Reflector named after its call site.
func NewReflector(lw ListWatcher, store StoreSink, opts ReflectorOptions) *Reflector {
	if opts.Name == "" {
		opts.Name = naming.GetNameFromCallsite(internalPackages...)
	}
	return NewNamedReflector(opts.Name, lw, store, opts)
}

// NewNamedReflector is NewReflector with an explicit name, for callers
// that run many Reflectors and want deterministic log correlation
// rather than call-site inference.
func NewNamedReflector(name string, lw ListWatcher, store StoreSink, opts ReflectorOptions) *Reflector {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.MaxInternalErrorRetryDuration == 0 {
		opts.MaxInternalErrorRetryDuration = time.Minute
	}
	if opts.ConnectionRefusedRetryPeriod == 0 {
		opts.ConnectionRefusedRetryPeriod = time.Second
	}
	if opts.WatchErrorHandler == nil {
		opts.WatchErrorHandler = DefaultWatchErrorHandler
	}

	backoffClock := backoffClockAdapter{opts.Clock}
	r := &Reflector{
		name:                          name,
		expectedGVK:                   lw.GroupVersionKind(),
		store:                         store,
		listerWatcher:                 lw,
		backoffManager:                NewBackoffManager(opts.BackoffOptions, backoffClock),
		initConnBackoffManager:        NewBackoffManager(opts.InitConnBackoffOptions, backoffClock),
		connectionRefusedRetryPeriod:  opts.ConnectionRefusedRetryPeriod,
		maxInternalErrorRetryDuration: opts.MaxInternalErrorRetryDuration,
		resyncPeriod:                  opts.ResyncPeriod,
		shouldResync:                  opts.ShouldResync,
		clock:                         opts.Clock,
		watchListPageSize:             opts.WatchListPageSize,
		errorClassifier:               opts.ErrorClassifier.withDefaults(),
		watchErrorHandler:             opts.WatchErrorHandler,
		streamHandleForPaginatedList:  opts.StreamHandleForPaginatedList,
		forcePaginatedList:            opts.ForcePaginatedList,
		hasInitializedSynced:          atomic.NewBool(false),
		stopRequested:                 atomic.NewBool(false),
		metrics:                       opts.Metrics,
	}
	return r
}

// Name returns the Reflector's log-correlation name.
func (r *Reflector) Name() string { return r.name }

// HasInitializedSynced reports whether the first list has completed and
// been handed to the store.
func (r *Reflector) HasInitializedSynced() bool {
	return r.hasInitializedSynced.Load()
}

// LastSyncResourceVersion is the resource version most recently observed
// in a list result or watch event.
func (r *Reflector) LastSyncResourceVersion() string {
	r.lastSyncResourceVersionMutex.RLock()
	defer r.lastSyncResourceVersionMutex.RUnlock()
	return r.lastSyncResourceVersion
}

func (r *Reflector) setLastSyncResourceVersion(v string) {
	r.lastSyncResourceVersionMutex.Lock()
	defer r.lastSyncResourceVersionMutex.Unlock()
	r.lastSyncResourceVersion = v
}

func (r *Reflector) setIsLastSyncResourceVersionUnavailable(unavailable bool) {
	r.lastSyncResourceVersionMutex.Lock()
	defer r.lastSyncResourceVersionMutex.Unlock()
	r.isLastSyncResourceVersionUnavailable = unavailable
}

// relistResourceVersion implements the three-way relist rule: unavailable
// resource versions drop to "", an unset cursor starts from "0" (the
// watch-cache fast path), and anything else relists from where it left off.
func (r *Reflector) relistResourceVersion() string {
	r.lastSyncResourceVersionMutex.RLock()
	defer r.lastSyncResourceVersionMutex.RUnlock()

	if r.isLastSyncResourceVersionUnavailable {
		return ""
	}
	if r.lastSyncResourceVersion == "" {
		if r.forcePaginatedList {
			return ""
		}
		return "0"
	}
	return r.lastSyncResourceVersion
}

// Run drives listAndWatch in a loop until ctx is cancelled or Stop is
// called, sleeping on the outer backoff between iterations. It returns
// once stopped.
func (r *Reflector) Run(ctx context.Context) {
	if r.stopRequested.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	klog.V(3).Infof("Starting reflector %s (%s) from %s", r.expectedGVK, r.resyncPeriod, r.name)
	defer klog.V(3).Infof("Stopping reflector %s (%s) from %s", r.expectedGVK, r.resyncPeriod, r.name)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.listAndWatch(ctx); err != nil {
			r.watchErrorHandler(r, err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.sleep(ctx, r.backoffManager.Duration()) {
			return
		}
	}
}

// Stop is an idempotent cancellation: it cancels the running context
// (if any), destroys the ListWatcher's shared connection agent so
// in-flight I/O aborts immediately, and clears the outer backoff's
// idle-reset timer.
func (r *Reflector) Stop() {
	if !r.stopRequested.CAS(false, true) {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if agent := r.listerWatcher.Agent(); agent != nil {
		agent.Destroy()
	}
	r.backoffManager.ClearTimeout()
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
// It reports whether ctx was the reason it returned.
func (r *Reflector) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
	t := r.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C():
		return false
	}
}

// listAndWatch performs one full LIST then drains one WATCH stream. A
// non-nil return means the list failed, or a watch could not be opened
// for a reason other than connection refused or 429; failures while
// draining a watch instead return nil so the outer loop relists.
func (r *Reflector) listAndWatch(ctx context.Context) error {
	klog.V(3).Infof("Listing and watching %s from %s", r.expectedGVK, r.name)

	if err := r.list(ctx); err != nil {
		return err
	}
	r.hasInitializedSynced.Store(true)
	if r.metrics != nil {
		r.metrics.HasSynced.Set(1)
	}

	resyncCancel := r.startResyncLoop(ctx)
	defer resyncCancel()

	retry := newRetryWithDeadline(r.maxInternalErrorRetryDuration, time.Minute, r.errorClassifier.IsInternalError, r.clock)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		timeoutSeconds := int64(randomizeTimeout(minWatchTimeout).Seconds())
		watchOpts := WatchOptions{
			ResourceVersion:     r.LastSyncResourceVersion(),
			TimeoutSeconds:      &timeoutSeconds,
			AllowWatchBookmarks: true,
		}

		start := r.clock.Now()
		w, err := r.listerWatcher.Watch(ctx, watchOpts)
		if err != nil {
			if r.errorClassifier.IsConnectionRefused(err) {
				klog.V(4).Infof("%s: watch of %s failed with connection refused, retrying locally: %v", r.name, r.expectedGVK, err)
				if r.sleep(ctx, randomizeTimeout(r.connectionRefusedRetryPeriod)) {
					return nil
				}
				continue
			}
			if r.errorClassifier.IsTooManyRequests(err) {
				klog.V(2).Infof("%s: watch of %s returned 429, backing off", r.name, r.expectedGVK)
				if r.sleep(ctx, r.initConnBackoffManager.Duration()) {
					return nil
				}
				continue
			}
			return err
		}

		r.watchErrorHandler(r, nil)

		err = r.watchHandler(start, w, ctx.Done())
		retry.After(err)
		if err == nil {
			continue
		}
		if err == errStopRequested {
			return nil
		}
		switch {
		case r.errorClassifier.IsExpired(err):
			klog.V(4).Infof("%s: watch of %s closed with: %v", r.name, r.expectedGVK, err)
		case r.errorClassifier.IsTooManyRequests(err):
			klog.V(2).Infof("%s: watch of %s returned 429, backing off", r.name, r.expectedGVK)
			if r.sleep(ctx, r.initConnBackoffManager.Duration()) {
				return nil
			}
			continue
		case r.errorClassifier.IsInternalError(err) && retry.ShouldRetry():
			klog.V(2).Infof("%s: retrying watch of %s after internal error: %v", r.name, r.expectedGVK, err)
			continue
		default:
			klog.Warningf("%s: watch of %s ended with: %v", r.name, r.expectedGVK, err)
		}
		return nil
	}
}

// startResyncLoop runs the periodic resync timer in the background and
// returns a function that tears it down. A zero ResyncPeriod makes this
// a no-op.
func (r *Reflector) startResyncLoop(ctx context.Context) func() {
	if r.resyncPeriod == 0 {
		return func() {}
	}
	resyncCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			t := r.clock.NewTimer(r.resyncPeriod)
			select {
			case <-resyncCtx.Done():
				t.Stop()
				return
			case <-t.C():
			}
			if r.shouldResync == nil || r.shouldResync() {
				klog.V(4).Infof("%s: forcing resync", r.name)
				if resyncer, ok := r.store.(Resyncer); ok {
					if err := resyncer.Resync(); err != nil {
						utilruntime.HandleError(fmt.Errorf("%s: resync failed: %w", r.name, err))
					}
				}
			}
		}
	}()
	return cancel
}

// list performs one LIST, retrying once with resource version "" (on the
// same pager, so with the same page size) if the resource version it
// requested has expired or is too large.
func (r *Reflector) list(ctx context.Context) error {
	if hinter, ok := r.store.(RefreshHinter); ok {
		hinter.SetRefreshing()
	}

	if r.metrics != nil {
		r.metrics.ListTotal.Inc()
	}

	relistRV := r.relistResourceVersion()
	opts := ListOptions{ResourceVersion: relistRV}

	pager := NewListPager(r.pageSizeFor(opts), func(ctx context.Context, opts ListOptions) (*ListPage, error) {
		return r.listerWatcher.List(ctx, opts)
	})
	if r.streamHandleForPaginatedList {
		pager.EachPage = func(page *ListPage) error {
			for i := range page.Items {
				if err := r.store.Add(&page.Items[i]); err != nil {
					return err
				}
			}
			return nil
		}
	}

	items, resourceVersion, paginated, err := pager.List(ctx, opts)
	if r.errorClassifier.IsExpired(err) || r.errorClassifier.IsTooLargeResourceVersion(err) {
		r.setIsLastSyncResourceVersionUnavailable(true)
		opts = ListOptions{ResourceVersion: r.relistResourceVersion()}
		items, resourceVersion, paginated, err = pager.List(ctx, opts)
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.ListFailuresTotal.Inc()
		}
		klog.Warningf("%s: failed to list %s: %v", r.name, r.expectedGVK, err)
		return fmt.Errorf("failed to list %s: %w", r.expectedGVK, err)
	}

	// Only the initial list (RV="0") latches paginatedResult; an
	// expired-recovery list (RV="") that comes back paginated must not.
	if opts.ResourceVersion == "0" && paginated {
		r.paginatedResult = true
	}

	r.setIsLastSyncResourceVersionUnavailable(false)

	if !r.streamHandleForPaginatedList {
		if err := r.store.Replace(itemPointers(items), resourceVersion); err != nil {
			return fmt.Errorf("unable to sync list result: %w", err)
		}
	}
	r.setLastSyncResourceVersion(resourceVersion)
	return nil
}

func itemPointers(items []unstructured.Unstructured) []*unstructured.Unstructured {
	ptrs := make([]*unstructured.Unstructured, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}
	return ptrs
}

// pageSizeFor implements the page-size heuristic: paging is forced off
// only when the caller explicitly requested a
// specific resource version and the Reflector hasn't already learned
// that this resource always pages. Every other case leaves paging at
// its ordinary default.
func (r *Reflector) pageSizeFor(opts ListOptions) int64 {
	if r.watchListPageSize != 0 {
		return r.watchListPageSize
	}
	if !r.paginatedResult && opts.ResourceVersion != "" && opts.ResourceVersion != "0" {
		return 0
	}
	return defaultPageSize
}

// watchHandler drains w, applying each event to the store and advancing
// the cursor.
func (r *Reflector) watchHandler(start time.Time, w WatchInterface, stopCh <-chan struct{}) error {
	eventCount := 0
	defer w.Stop()

loop:
	for {
		select {
		case <-stopCh:
			return errStopRequested
		case event, ok := <-w.ResultChan():
			if !ok {
				break loop
			}
			if event.Err != nil {
				return event.Err
			}
			if event.Type == watch.Error {
				return statusErrorFromObject(event.Object.Object)
			}

			gvk := event.Object.GroupVersionKind()
			if gvk != r.expectedGVK {
				utilruntime.HandleError(fmt.Errorf("%s: expected gvk %s, but watch event object had gvk %s", r.name, r.expectedGVK, gvk))
				continue
			}

			resourceVersion := event.Object.GetResourceVersion()
			var mutateErr error
			switch event.Type {
			case watch.Added:
				mutateErr = r.store.Add(event.Object)
			case watch.Modified:
				mutateErr = r.store.Update(event.Object)
			case watch.Deleted:
				mutateErr = r.store.Delete(event.Object)
			case watch.Bookmark:
				// advances the cursor below without mutating the store.
			default:
				utilruntime.HandleError(fmt.Errorf("%s: unable to understand watch event %#v", r.name, event))
				continue
			}
			if mutateErr != nil {
				utilruntime.HandleError(fmt.Errorf("%s: unable to apply watch event (%#v) to store: %w", r.name, event, mutateErr))
			}
			if r.metrics != nil {
				r.metrics.WatchEventsTotal.WithLabelValues(string(event.Type)).Inc()
			}
			if resourceVersion == "" {
				utilruntime.HandleError(fmt.Errorf("%s: watch event object %#v has no resourceVersion", r.name, event.Object))
				eventCount++
				continue
			}
			r.setLastSyncResourceVersion(resourceVersion)
			eventCount++
		}
	}

	watchDuration := r.clock.Since(start)
	if r.metrics != nil {
		r.metrics.WatchDurationSeconds.Observe(watchDuration.Seconds())
	}
	if watchDuration < time.Second && eventCount == 0 {
		return fmt.Errorf("%s: %w", r.name, ErrVeryShortWatch)
	}
	klog.V(4).Infof("%s: watch close - %v total %d items received", r.name, r.expectedGVK, eventCount)
	return nil
}

// randomizeTimeout returns a value uniform over [d, 2d).
func randomizeTimeout(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 + rand.Float64()))
}

// retryWithDeadline tracks whether a run of retryable errors has stayed
// within maxRetryDuration, bounding how long a watch loop keeps retrying
// locally before giving up and letting the outer relist loop take over.
type retryWithDeadline struct {
	firstRetry       time.Time
	maxRetryDuration time.Duration
	minResetInterval time.Duration
	isRetryable      func(error) bool
	clock            clock.Clock
}

func newRetryWithDeadline(maxRetryDuration, minResetInterval time.Duration, isRetryable func(error) bool, c clock.Clock) *retryWithDeadline {
	return &retryWithDeadline{
		maxRetryDuration: maxRetryDuration,
		minResetInterval: minResetInterval,
		isRetryable:      isRetryable,
		clock:            c,
	}
}

func (r *retryWithDeadline) After(err error) {
	if err == nil || !r.isRetryable(err) {
		r.firstRetry = time.Time{}
		return
	}
	if r.firstRetry.IsZero() {
		r.firstRetry = r.clock.Now()
	}
}

func (r *retryWithDeadline) ShouldRetry() bool {
	if r.maxRetryDuration <= 0 || r.firstRetry.IsZero() {
		return false
	}
	if r.clock.Now().Sub(r.firstRetry) < r.maxRetryDuration {
		return true
	}
	r.firstRetry = time.Time{}
	return false
}

// backoffClockAdapter lets a k8s.io/utils/clock.Clock (the Reflector's
// own time seam) also serve as a github.com/cenkalti/backoff/v4.Clock
// for the BackoffManagers it constructs, so the whole Reflector moves
// in lockstep under a single injected clock in tests.
type backoffClockAdapter struct {
	clock.Clock
}
