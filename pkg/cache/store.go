package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// KeyFunc derives the key a Store indexes an object under.
type KeyFunc func(obj *unstructured.Unstructured) (string, error)

// MetaUIDKeyFunc is the default KeyFunc: the object's metadata.uid field.
func MetaUIDKeyFunc(obj *unstructured.Unstructured) (string, error) {
	uid, found, err := unstructured.NestedString(obj.Object, "metadata", "uid")
	if err != nil {
		return "", err
	}
	if !found || uid == "" {
		return "", fmt.Errorf("cache: object has no non-empty metadata.uid: %v", obj.Object)
	}
	return uid, nil
}

// Store is a keyed, in-memory replica of a remote collection. It never
// talks to a remote source itself; Add/Update/Delete/Replace are driven
// externally by a Reflector (or by a caller's own code, in tests).
type Store interface {
	Add(obj *unstructured.Unstructured) error
	Update(obj *unstructured.Unstructured) error
	Delete(obj *unstructured.Unstructured) error

	List() []*unstructured.Unstructured
	ListKeys() []string

	Get(obj *unstructured.Unstructured) (item *unstructured.Unstructured, exists bool, err error)
	GetByKey(key string) (item *unstructured.Unstructured, exists bool, err error)
	Has(obj *unstructured.Unstructured) (bool, error)
	HasByKey(key string) (bool, error)

	// Replace atomically discards the current contents and installs
	// items: afterward Store ≡ items. The resourceVersion is recorded
	// for callers that want it but does not otherwise affect Store's
	// behavior.
	Replace(items []*unstructured.Unstructured, resourceVersion string) error

	// Resync re-delivers every currently stored object through the same
	// path Update would take, without changing their content. A no-op
	// unless the Store implementation was built with a ResyncFunc.
	Resync() error

	// Find evaluates predicate (built with PredicateFunc, Path,
	// PathEquals or Fields) against every stored object and returns the
	// matches. Returns ErrInvalidPredicate if predicate is none of
	// those.
	Find(predicate interface{}) ([]*unstructured.Unstructured, error)

	// HasSynced reports whether the first Replace has landed. It is a
	// one-shot latch: once true, it never reverts to false.
	HasSynced() bool
}

// StoreSink is the narrow capability a Reflector is given to drive store
// mutations: a polymorphic interface with those four operations. Every
// Store satisfies StoreSink; Informer wraps one to additionally fan out
// named events to subscribers.
type StoreSink interface {
	Replace(items []*unstructured.Unstructured, resourceVersion string) error
	Add(obj *unstructured.Unstructured) error
	Update(obj *unstructured.Unstructured) error
	Delete(obj *unstructured.Unstructured) error
}

// RefreshHinter is optionally implemented by a StoreSink to receive a
// hint before the Reflector issues each LIST. A sink that doesn't
// implement it is simply not told.
type RefreshHinter interface {
	SetRefreshing()
}

// Resyncer is optionally implemented by a StoreSink to support periodic
// resync. The base Store always implements it (as a no-op unless built
// with a ResyncFunc); a StoreSink decorator that doesn't forward it
// simply never resyncs.
type Resyncer interface {
	Resync() error
}

// ResyncFunc is invoked once per stored object when Resync is called.
// A typical use is re-publishing UPDATE events to an Informer's
// listeners without the object having actually changed.
type ResyncFunc func(obj *unstructured.Unstructured) error

// NewStore builds a Store keyed by keyFn. A nil keyFn defaults to
// MetaUIDKeyFunc.
func NewStore(keyFn KeyFunc) Store {
	if keyFn == nil {
		keyFn = MetaUIDKeyFunc
	}
	return &store{
		keyFunc: keyFn,
		items:   map[string]*unstructured.Unstructured{},
		synced:  atomic.NewBool(false),
	}
}

// NewResyncableStore is NewStore plus a ResyncFunc invoked by Resync for
// every currently stored object.
func NewResyncableStore(keyFn KeyFunc, resyncFn ResyncFunc) Store {
	s := NewStore(keyFn).(*store)
	s.resyncFunc = resyncFn
	return s
}

type store struct {
	lock       sync.RWMutex
	items      map[string]*unstructured.Unstructured
	keyFunc    KeyFunc
	resyncFunc ResyncFunc
	synced     *atomic.Bool
}

func (s *store) Add(obj *unstructured.Unstructured) error {
	key, err := s.keyFunc(obj)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.items[key] = obj
	return nil
}

func (s *store) Update(obj *unstructured.Unstructured) error {
	return s.Add(obj)
}

func (s *store) Delete(obj *unstructured.Unstructured) error {
	key, err := s.keyFunc(obj)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.items, key)
	return nil
}

func (s *store) List() []*unstructured.Unstructured {
	s.lock.RLock()
	defer s.lock.RUnlock()
	list := make([]*unstructured.Unstructured, 0, len(s.items))
	for _, item := range s.items {
		list = append(list, item)
	}
	return list
}

func (s *store) ListKeys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *store) Get(obj *unstructured.Unstructured) (*unstructured.Unstructured, bool, error) {
	key, err := s.keyFunc(obj)
	if err != nil {
		return nil, false, err
	}
	return s.GetByKey(key)
}

func (s *store) GetByKey(key string) (*unstructured.Unstructured, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	item, exists := s.items[key]
	return item, exists, nil
}

func (s *store) Has(obj *unstructured.Unstructured) (bool, error) {
	_, exists, err := s.Get(obj)
	return exists, err
}

func (s *store) HasByKey(key string) (bool, error) {
	_, exists, err := s.GetByKey(key)
	return exists, err
}

func (s *store) Replace(items []*unstructured.Unstructured, resourceVersion string) error {
	replaced := make(map[string]*unstructured.Unstructured, len(items))
	for _, item := range items {
		key, err := s.keyFunc(item)
		if err != nil {
			return err
		}
		replaced[key] = item
	}
	s.lock.Lock()
	s.items = replaced
	s.lock.Unlock()
	s.synced.Store(true)
	return nil
}

func (s *store) Resync() error {
	if s.resyncFunc == nil {
		return nil
	}
	for _, item := range s.List() {
		if err := s.resyncFunc(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) HasSynced() bool {
	return s.synced.Load()
}

func (s *store) Find(predicate interface{}) ([]*unstructured.Unstructured, error) {
	fn, err := toPredicateFunc(predicate)
	if err != nil {
		return nil, err
	}
	var matches []*unstructured.Unstructured
	for _, item := range s.List() {
		if fn(item) {
			matches = append(matches, item)
		}
	}
	return matches, nil
}

// PredicateFunc is a predicate supplied as a plain Go function.
type PredicateFunc func(obj *unstructured.Unstructured) bool

// Path returns a predicate matching objects whose value at the given
// dotted field path (e.g. "spec.replicas") is present and truthy: a
// non-empty string, a non-zero number, true, a non-empty list or map,
// or any non-nil value of another type.
func Path(path string) PredicateFunc {
	fields := splitPath(path)
	return func(obj *unstructured.Unstructured) bool {
		val, found, err := unstructured.NestedFieldNoCopy(obj.Object, fields...)
		if err != nil || !found {
			return false
		}
		return truthy(val)
	}
}

// PathEquals returns a predicate matching objects whose value at path
// deep-equals value.
func PathEquals(path string, value interface{}) PredicateFunc {
	fields := splitPath(path)
	return func(obj *unstructured.Unstructured) bool {
		val, found, err := unstructured.NestedFieldNoCopy(obj.Object, fields...)
		if err != nil || !found {
			return false
		}
		return reflect.DeepEqual(val, value)
	}
}

// Fields returns a predicate matching objects where every dotted path
// in match equals its corresponding value — a conjunction of PathEquals
// predicates.
func Fields(match map[string]interface{}) PredicateFunc {
	preds := make([]PredicateFunc, 0, len(match))
	for path, value := range match {
		preds = append(preds, PathEquals(path, value))
	}
	return func(obj *unstructured.Unstructured) bool {
		for _, pred := range preds {
			if !pred(obj) {
				return false
			}
		}
		return true
	}
}

func toPredicateFunc(predicate interface{}) (PredicateFunc, error) {
	switch p := predicate.(type) {
	case PredicateFunc:
		return p, nil
	case func(*unstructured.Unstructured) bool:
		return PredicateFunc(p), nil
	default:
		return nil, ErrInvalidPredicate
	}
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func truthy(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int64:
		return v != 0
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	default:
		return true
	}
}
