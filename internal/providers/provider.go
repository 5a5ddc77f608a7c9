// Package providers wraps the external inference services that run
// generation tasks.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	// ErrUnsupportedFeature is returned for features no provider can run.
	ErrUnsupportedFeature = errors.New("feature not supported by any provider")
	// ErrInputRejected is returned by a Precheck that found the input unusable.
	ErrInputRejected = errors.New("input rejected by provider")
)

// Input is what a provider needs to start a task.
type Input struct {
	Feature        string
	SourceMediaURL string
	Params         map[string]any
}

// Status is a provider report mapped onto task statuses.
type Status struct {
	State        string
	ResultURLs   []string
	ErrorCode    string
	ErrorMessage string
}

// Submission is an accepted task. Immediate is set when the provider already
// finished synchronously; callers still resolve it through the same path.
type Submission struct {
	ProviderTaskID string
	Immediate      *Status
}

type Provider interface {
	Name() string
	Submit(ctx context.Context, in Input) (Submission, error)
	QueryStatus(ctx context.Context, providerTaskID string) (Status, error)
}

// Prechecker is implemented by providers that inspect an input before the
// task is charged. The returned params are added to the task's params.
type Prechecker interface {
	Precheck(ctx context.Context, in Input) (map[string]any, error)
}

// Error is a non-2xx provider response.
type Error struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s, http %d)", e.Provider, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (http %d)", e.Provider, e.Message, e.StatusCode)
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Registry routes features to providers.
type Registry struct {
	mu        sync.RWMutex
	byFeature map[string]Provider
	byName    map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{byFeature: make(map[string]Provider), byName: make(map[string]Provider)}
}

// Register makes p the provider for each feature. A later registration for
// the same feature wins.
func (r *Registry) Register(p Provider, features ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name()] = p
	for _, f := range features {
		r.byFeature[f] = p
	}
}

func (r *Registry) ForFeature(feature string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byFeature[feature]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFeature, feature)
	}
	return p, nil
}

func (r *Registry) ByName(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Supports reports whether feature has a provider.
func (r *Registry) Supports(feature string) bool {
	_, err := r.ForFeature(feature)
	return err == nil
}
