// Package registry is an example opgraph.Runner that publishes a build
// artifact to an OCI registry as a single-image push: opforge's engine has
// no notion of multi-platform manifests.
// Push retries are backed by internal/opErrors's retry/circuit-breaker
// machinery.
package registry

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/ossforge/opforge/internal/opErrors"
	"github.com/ossforge/opforge/internal/opgraph"
)

// ImageSource supplies the v1.Image to push. It is a function rather than a
// bare field so a plan can defer image construction until the operation
// actually runs (the image may depend on output from earlier operations).
type ImageSource func() (v1.Image, error)

// Runner publishes one image to one reference, retrying transient push
// failures through an ErrorHandler-backed circuit breaker.
type Runner struct {
	RunnerName string
	Reference  string
	Image      ImageSource
	Auth       authn.Authenticator

	// RetryConfig governs how hard a failed push is retried before the
	// runner gives up. Defaults to opErrors.DefaultRetryConfig(); set it to
	// opErrors.AggressiveRetryConfig() for a registry worth retrying harder
	// against (e.g. a flaky mirror), or opErrors.ConservativeRetryConfig()
	// for one where repeated pushes are expensive.
	RetryConfig *opErrors.RetryConfig

	handler *opErrors.ErrorHandler
}

// New returns a registry Runner. auth may be nil, in which case
// authn.Anonymous is used. RetryConfig defaults to
// opErrors.DefaultRetryConfig(); override the field after construction to
// use a different profile.
func New(runnerName, reference string, image ImageSource, auth authn.Authenticator) *Runner {
	if auth == nil {
		auth = authn.Anonymous
	}
	return &Runner{
		RunnerName:  runnerName,
		Reference:   reference,
		Image:       image,
		Auth:        auth,
		RetryConfig: opErrors.DefaultRetryConfig(),
		handler:     opErrors.NewErrorHandler(opErrors.DefaultErrorHandlerConfig()),
	}
}

// CircuitStatus reports the state of the circuit breaker guarding pushes to
// this runner's destination, for diagnostics.
func (r *Runner) CircuitStatus() []opErrors.CircuitBreakerStatus {
	return r.handler.GetCircuitBreakerStatus()
}

func (r *Runner) Name() string            { return r.RunnerName }
func (r *Runner) Silent() bool            { return false }
func (r *Runner) WarningsAreAllowed() bool { return false }

// Execute pushes Image() to Reference, with retries and circuit-breaking
// scoped to this runner's RunnerName so repeated failures against the same
// destination open the breaker without affecting unrelated push operations.
func (r *Runner) Execute(rc *opgraph.RunnerContext) (opgraph.Status, error) {
	nameRef, err := name.ParseReference(r.Reference)
	if err != nil {
		return opgraph.StatusFailure, opErrors.NewRegistryError(
			"parse_reference", fmt.Sprintf("invalid image reference %q", r.Reference), err)
	}

	image, err := r.Image()
	if err != nil {
		return opgraph.StatusFailure, opErrors.NewRegistryError("build_image", "failed to build image to push", err)
	}

	opts := []remote.Option{
		remote.WithAuth(r.Auth),
		remote.WithContext(rc.Context),
	}

	retryConfig := r.RetryConfig
	if retryConfig == nil {
		retryConfig = opErrors.DefaultRetryConfig()
	}

	pushErr := r.handler.Execute(rc.Context, retryConfig, r.RunnerName, func() error {
		return remote.Write(nameRef, image, opts...)
	})

	if pushErr != nil {
		if rc.Context.Err() != nil {
			return opgraph.StatusCancelled, rc.Context.Err()
		}
		return opgraph.StatusFailure, opErrors.NewRegistryError("push", fmt.Sprintf("failed to push to %s", r.Reference), pushErr)
	}

	return opgraph.StatusSuccess, nil
}

var _ opgraph.Runner = (*Runner)(nil)
