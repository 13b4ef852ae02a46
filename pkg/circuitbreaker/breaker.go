package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

const (
	// DefaultConsecutiveFailures is the number of failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long circuit stays open before allowing a retry
	DefaultTimeout = 5 * time.Minute

	// DefaultInterval is the cyclic period of closed state to clear failure counts
	DefaultInterval = 1 * time.Minute
)

// ErrOpen is returned instead of calling the kernel while a device's
// circuit is open or half-open with a probe in flight
var ErrOpen = errors.New("circuit breaker open")

// StateChangeFunc is called when a device's breaker changes state
type StateChangeFunc func(device, from, to string)

// Settings tune a DeviceCircuitBreaker
type Settings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration
	OnStateChange       StateChangeFunc
}

// DefaultSettings returns the settings used by NewDeviceCircuitBreaker
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: DefaultConsecutiveFailures,
		Timeout:             DefaultTimeout,
		Interval:            DefaultInterval,
	}
}

// DeviceCircuitBreaker manages per-device circuit breakers so background
// work stops issuing quotactl calls against a device that keeps failing
// with I/O errors
type DeviceCircuitBreaker struct {
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

// NewDeviceCircuitBreaker creates a breaker manager with DefaultSettings
func NewDeviceCircuitBreaker() *DeviceCircuitBreaker {
	return NewDeviceCircuitBreakerWithSettings(DefaultSettings())
}

// NewDeviceCircuitBreakerWithSettings creates a breaker manager. Zero
// fields fall back to the defaults.
func NewDeviceCircuitBreakerWithSettings(s Settings) *DeviceCircuitBreaker {
	d := DefaultSettings()
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.Interval == 0 {
		s.Interval = d.Interval
	}
	return &DeviceCircuitBreaker{
		settings: s,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// getBreaker returns or creates a circuit breaker for the given device
func (dcb *DeviceCircuitBreaker) getBreaker(device string) *gobreaker.CircuitBreaker {
	dcb.mu.RLock()
	cb, exists := dcb.breakers[device]
	dcb.mu.RUnlock()

	if exists {
		return cb
	}

	dcb.mu.Lock()
	defer dcb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := dcb.breakers[device]; exists {
		return cb
	}

	threshold := dcb.settings.ConsecutiveFailures
	notify := dcb.settings.OnStateChange
	settings := gobreaker.Settings{
		Name:        device,
		MaxRequests: 1, // Only 1 request allowed in half-open state
		Interval:    dcb.settings.Interval,
		Timeout:     dcb.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for device %s: %s -> %s", name, from, to)
			if notify != nil {
				notify(name, from.String(), to.String())
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	dcb.breakers[device] = cb
	klog.V(4).Infof("Created circuit breaker for device %s", device)
	return cb
}

// countsAsSuccess decides which results trip the breaker. Only I/O
// failures do; a missing record or a refused argument says nothing about
// the health of the device.
func countsAsSuccess(err error) bool {
	return err == nil || !errors.Is(err, quota.ErrIO)
}

// Execute runs fn with circuit breaker protection for device. While the
// circuit is open fn is not called and the error wraps ErrOpen.
func (dcb *DeviceCircuitBreaker) Execute(ctx context.Context, device string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cb := dcb.getBreaker(device)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("%w: device %s failed %d consecutive times, retrying after %v",
			ErrOpen, device, dcb.settings.ConsecutiveFailures, dcb.settings.Timeout)
	}

	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: device %s is half-open and already has a request in progress",
			ErrOpen, device)
	}

	return err
}

// Reset forgets the breaker of device, closing its circuit
func (dcb *DeviceCircuitBreaker) Reset(device string) bool {
	dcb.mu.Lock()
	defer dcb.mu.Unlock()

	if _, exists := dcb.breakers[device]; exists {
		delete(dcb.breakers, device)
		klog.Infof("Circuit breaker reset for device %s", device)
		return true
	}
	return false
}

// State returns the current state of the circuit breaker for a device.
// Returns "closed" if no breaker exists (default safe state).
func (dcb *DeviceCircuitBreaker) State(device string) string {
	dcb.mu.RLock()
	cb, exists := dcb.breakers[device]
	dcb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}
