// Package geo captures the signer's position and resolves a display
// address for it. Location is enrichment: every failure here is reported
// to the caller and none of them blocks signing.
package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
)

const DefaultTimeout = 10 * time.Second

var (
	// ErrPermissionDenied is returned by a Locator when the user refused
	// access to the device position.
	ErrPermissionDenied = errors.New("geolocation permission denied")
	ErrUnsupported      = errors.New("geolocation unsupported")
)

type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonTimeout          Reason = "timeout"
	ReasonUnsupported      Reason = "unsupported"
	ReasonUnavailable      Reason = "unavailable"
)

type LocationError struct {
	Reason Reason
	Cause  error
}

func (e *LocationError) Error() string { return e.Message() }

// Unwrap exposes the cause together with a LOCATION_UNAVAILABLE AppError,
// which callers log and never surface as an HTTP status.
func (e *LocationError) Unwrap() []error {
	coded := apperr.New(apperr.CodeLocationUnavailable, e.Message())
	if e.Cause == nil {
		return []error{coded}
	}
	return []error{e.Cause, coded}
}

// Message is the text shown to the signer.
func (e *LocationError) Message() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Location access was denied. You can still sign without it."
	case ReasonTimeout:
		return "Your location could not be determined in time. You can still sign without it."
	case ReasonUnsupported:
		return "This device does not support location. You can still sign without it."
	default:
		return "Your location is unavailable. You can still sign without it."
	}
}

type Options struct {
	HighAccuracy bool
	// MaximumAge bounds how old a cached fix may be. Zero forces a fresh one.
	MaximumAge time.Duration
	Timeout    time.Duration
}

type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

type Locator interface {
	Locate(ctx context.Context, opts Options) (Fix, error)
}

type LocatorFunc func(ctx context.Context, opts Options) (Fix, error)

func (f LocatorFunc) Locate(ctx context.Context, opts Options) (Fix, error) { return f(ctx, opts) }

type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

type Result struct {
	Latitude  float64
	Longitude float64
	Address   *string
}

func (r Result) Location() contract.Location {
	lat, lng := r.Latitude, r.Longitude
	return contract.Location{Latitude: &lat, Longitude: &lng, Address: r.Address}
}

// Capture makes one attempt to locate the device and, on success, one
// best-effort reverse lookup. A failed lookup leaves Address nil.
func Capture(ctx context.Context, loc Locator, gc ReverseGeocoder, timeout time.Duration) (Result, error) {
	if loc == nil {
		return Result{}, &LocationError{Reason: ReasonUnsupported, Cause: ErrUnsupported}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	fix, err := loc.Locate(lctx, Options{HighAccuracy: true, MaximumAge: 0, Timeout: timeout})
	if err == nil && lctx.Err() != nil {
		err = lctx.Err()
	}
	cancel()
	if err != nil {
		return Result{}, classify(err)
	}

	res := Result{Latitude: fix.Latitude, Longitude: fix.Longitude}
	res.Address = reverse(ctx, gc, fix.Latitude, fix.Longitude, timeout)
	return res, nil
}

func classify(err error) *LocationError {
	var le *LocationError
	if errors.As(err, &le) {
		return le
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &LocationError{Reason: ReasonPermissionDenied, Cause: err}
	case errors.Is(err, ErrUnsupported):
		return &LocationError{Reason: ReasonUnsupported, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &LocationError{Reason: ReasonTimeout, Cause: err}
	default:
		return &LocationError{Reason: ReasonUnavailable, Cause: err}
	}
}

func reverse(ctx context.Context, gc ReverseGeocoder, lat, lng float64, timeout time.Duration) *string {
	if gc == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addr, err := gc.Reverse(rctx, lat, lng)
	addr = strings.TrimSpace(addr)
	if err != nil || addr == "" {
		return nil
	}
	return &addr
}

// Enrich fills a missing address on a client-supplied location. The input
// is returned unchanged when it has no coordinates or already carries an
// address, or when the lookup fails.
func Enrich(ctx context.Context, gc ReverseGeocoder, l contract.Location, timeout time.Duration) contract.Location {
	if l.Latitude == nil || l.Longitude == nil || l.Address != nil {
		return l
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l.Address = reverse(ctx, gc, *l.Latitude, *l.Longitude, timeout)
	return l
}

// ValidCoordinates reports whether lat/lng lie on the globe.
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Task is a capture started eagerly at the beginning of a signing flow.
// Its result is read, never awaited, at submission time.
type Task struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	res Result
	err error
}

// Start runs Capture in the background. Cancelling ctx abandons it.
func Start(ctx context.Context, loc Locator, gc ReverseGeocoder, timeout time.Duration) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		res, err := Capture(ctx, loc, gc, timeout)
		t.finish(res, err)
	}()
	return t
}

func (t *Task) finish(res Result, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.res, t.err = res, err
		t.mu.Unlock()
		close(t.done)
	})
}

// Peek returns the result if the capture has finished. ok is false while
// it is still running.
func (t *Task) Peek() (res Result, ok bool, err error) {
	select {
	case <-t.done:
	default:
		return Result{}, false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res, true, t.err
}

// Location is the non-blocking read used when building a signature
// event: a pending or failed capture yields an all-null location.
func (t *Task) Location() contract.Location {
	res, ok, err := t.Peek()
	if !ok || err != nil {
		return contract.Location{}
	}
	return res.Location()
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the capture finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		res, _, err := t.Peek()
		return res, err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for location: %w", ctx.Err())
	}
}
