package cache

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ErrVeryShortWatch is returned by the watch handler when a watch stream
// ended in under a second having delivered zero events. It signals a
// misbehaving server or edge and drives the outer loop's backoff.
var ErrVeryShortWatch = errors.New("very short watch: unexpected close with no items received")

// errStopRequested is the internal sentinel used to unwind the watch loop
// when Stop() fires. It is never surfaced to a caller's WatchErrorHandler.
var errStopRequested = errors.New("stop requested")

// ErrInvalidPredicate is returned by Store.Find when given a predicate
// value that is neither a PredicateFunc nor constructed via Path,
// PathEquals or Fields.
var ErrInvalidPredicate = errors.New("cache: invalid predicate")

// ErrorClassifier holds the pure predicates the core uses to decide how
// to react to a transport or server error. A caller may override any
// field; unset fields fall back to DefaultErrorClassifier, which grounds
// each predicate in k8s.io/apimachinery/pkg/api/errors.
type ErrorClassifier struct {
	// IsExpired reports whether err indicates the resource version used
	// for a LIST or WATCH has been compacted out of the server's change log.
	IsExpired func(err error) bool
	// IsTooLargeResourceVersion reports whether err indicates the
	// requested resource version is newer than anything the server has.
	IsTooLargeResourceVersion func(err error) bool
	// IsConnectionRefused reports whether err indicates the transport
	// could not reach the server at all.
	IsConnectionRefused func(err error) bool
	// IsTooManyRequests reports whether err is a server-side throttling
	// response (HTTP 429), eligible for the same local-retry-without-relist
	// treatment as a connection refusal.
	IsTooManyRequests func(err error) bool
	// IsInternalError reports whether err is a transient 5xx-class
	// server error eligible for a bounded local retry before falling
	// through to the outer relist backoff.
	IsInternalError func(err error) bool
}

// DefaultErrorClassifier returns the classifier the Reflector uses when
// the caller does not supply one.
func DefaultErrorClassifier() ErrorClassifier {
	return ErrorClassifier{
		IsExpired:                 isExpiredError,
		IsTooLargeResourceVersion: isTooLargeResourceVersionError,
		IsConnectionRefused:       isConnectionRefusedError,
		IsTooManyRequests:         apierrors.IsTooManyRequests,
		IsInternalError:           apierrors.IsInternalError,
	}
}

func (c ErrorClassifier) withDefaults() ErrorClassifier {
	d := DefaultErrorClassifier()
	if c.IsExpired == nil {
		c.IsExpired = d.IsExpired
	}
	if c.IsTooLargeResourceVersion == nil {
		c.IsTooLargeResourceVersion = d.IsTooLargeResourceVersion
	}
	if c.IsConnectionRefused == nil {
		c.IsConnectionRefused = d.IsConnectionRefused
	}
	if c.IsTooManyRequests == nil {
		c.IsTooManyRequests = d.IsTooManyRequests
	}
	if c.IsInternalError == nil {
		c.IsInternalError = d.IsInternalError
	}
	return c
}

// isExpiredError accounts for servers that disagree on whether an
// expired resource version on LIST/WATCH reports StatusReasonExpired or
// StatusReasonGone.
func isExpiredError(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// isTooLargeResourceVersionError handles both a structured status cause
// on modern servers and a matching message on a plain timeout error from
// older ones.
func isTooLargeResourceVersionError(err error) bool {
	if apierrors.HasStatusCause(err, metav1.CauseTypeResourceVersionTooLarge) {
		return true
	}
	if !apierrors.IsTimeout(err) {
		return false
	}
	apierr, ok := err.(apierrors.APIStatus)
	if !ok || apierr == nil || apierr.Status().Details == nil {
		return false
	}
	for _, cause := range apierr.Status().Details.Causes {
		if cause.Message == "Too large resource version" {
			return true
		}
	}
	return false
}

// isConnectionRefusedError walks a *net.OpError -> syscall.Errno chain
// (or matches the bare errno) to tell a refused connection apart from
// any other transport failure.
func isConnectionRefusedError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			return errno == syscall.ECONNREFUSED
		}
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// StatusError wraps a terminal status payload delivered by an ERROR
// watch event, which carries a status rather than a resource.
// Reflector.watchHandler throws one of these out of the watch loop so
// the outer loop can classify and log it.
type StatusError struct {
	Status metav1.Status
}

func (e *StatusError) Error() string {
	if e.Status.Message != "" {
		return e.Status.Message
	}
	return fmt.Sprintf("cache: error event with status %s", e.Status.Reason)
}

// statusErrorFromObject builds a StatusError from the object payload of
// an ERROR watch event, mirroring apierrors.FromObject without requiring
// the full typed API machinery that helper pulls in.
func statusErrorFromObject(obj map[string]interface{}) error {
	status := metav1.Status{}
	if m, ok := obj["message"].(string); ok {
		status.Message = m
	}
	if r, ok := obj["reason"].(string); ok {
		status.Reason = metav1.StatusReason(r)
	}
	if c, ok := obj["code"].(float64); ok {
		status.Code = int32(c)
	}
	return &StatusError{Status: status}
}
