package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/waypost-io/waypost/pkg/models"
)

// Locator is the geolocation collaborator: it returns the current position
// or a classified failure. Implementations are expected to honor the context
// deadline.
type Locator interface {
	Locate(ctx context.Context) (models.Coordinates, error)
}

// Classified geolocation failures. A Locator should wrap its provider's
// errors into one of these; anything else is reported as a generic failure.
var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrLocateTimeout       = errors.New("geolocation timed out")
	ErrUnsupported         = errors.New("geolocation unsupported in this environment")
)

// PinState tracks the pin-drop workflow.
type PinState int

const (
	PinNotRequested PinState = iota
	PinRequesting
	PinDropped
	PinFailed
)

func (s PinState) String() string {
	switch s {
	case PinNotRequested:
		return "not-requested"
	case PinRequesting:
		return "requesting"
	case PinDropped:
		return "dropped"
	case PinFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureMessage maps a locator error to the user-facing text. Raw provider
// errors never leak to the user, and none of these block chatting.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Location permission was denied. You can still chat without a pin."
	case errors.Is(err, ErrLocateTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Finding your location took too long. Please try again."
	case errors.Is(err, ErrPositionUnavailable):
		return "Your location could not be determined right now. Please try again."
	case errors.Is(err, ErrUnsupported):
		return "Location is not available in this environment."
	default:
		return "Something went wrong while finding your location."
	}
}

const defaultLocateTimeout = 10 * time.Second

// PinDropper runs the pin-drop workflow: NotRequested -> Requesting ->
// Dropped or Failed, with Failed always retryable and an explicit re-drop
// allowed from Dropped. Each request carries a monotonically increasing
// token; a completion is applied only while its token is still current, so
// a stale in-flight request can never clobber a newer one.
type PinDropper struct {
	locator   Locator
	timeout   time.Duration
	onDropped func(models.Coordinates)
	log       *slog.Logger

	mu          sync.Mutex
	state       PinState
	token       uint64
	lastFailure string
}

// NewPinDropper creates the workflow. onDropped fires on each success with
// the fresh coordinates.
func NewPinDropper(locator Locator, timeout time.Duration, onDropped func(models.Coordinates), log *slog.Logger) *PinDropper {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultLocateTimeout
	}
	return &PinDropper{
		locator:   locator,
		timeout:   timeout,
		onDropped: onDropped,
		log:       log,
	}
}

// Status returns the current workflow state and, when failed, the
// user-facing failure message.
func (d *PinDropper) Status() (PinState, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.lastFailure
}

// Drop starts (or restarts) a pin request asynchronously. Allowed from any
// state: retry after failure and re-drop after success both just enter
// Requesting again.
func (d *PinDropper) Drop(ctx context.Context) {
	if d.locator == nil {
		d.mu.Lock()
		d.state = PinFailed
		d.lastFailure = FailureMessage(ErrUnsupported)
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.token++
	token := d.token
	d.state = PinRequesting
	d.lastFailure = ""
	d.mu.Unlock()

	go d.locate(ctx, token)
}

func (d *PinDropper) locate(ctx context.Context, token uint64) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	coords, err := d.locator.Locate(ctx)

	d.mu.Lock()
	if token != d.token {
		// A newer request superseded this one; its result wins.
		d.mu.Unlock()
		d.log.Debug("ignoring stale geolocation completion", "token", token)
		return
	}

	if err == nil {
		if verr := coords.Validate(); verr != nil {
			err = ErrPositionUnavailable
		}
	}
	if err != nil {
		d.state = PinFailed
		d.lastFailure = FailureMessage(err)
		d.mu.Unlock()
		d.log.Warn("pin drop failed", "error", err)
		return
	}

	d.state = PinDropped
	d.mu.Unlock()

	if d.onDropped != nil {
		d.onDropped(coords)
	}
}
