package registry

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"

	"github.com/ossforge/opforge/internal/opErrors"
	"github.com/ossforge/opforge/internal/opgraph"
)

func emptyImageSource() (v1.Image, error) {
	return empty.Image, nil
}

func TestRunner_PushesImageToTestRegistry(t *testing.T) {
	srv := httptest.NewServer(ggcrregistry.New())
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	ref := fmt.Sprintf("%s/test/image:latest", host)

	r := New("publish", ref, emptyImageSource, nil)
	status, err := r.Execute(&opgraph.RunnerContext{Context: context.Background()})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if status != opgraph.StatusSuccess {
		t.Errorf("status = %v, want Success", status)
	}
}

func TestRunner_InvalidReferenceFails(t *testing.T) {
	r := New("publish", "not a valid reference!!", emptyImageSource, nil)

	status, err := r.Execute(&opgraph.RunnerContext{Context: context.Background()})
	if err == nil {
		t.Fatal("expected error for invalid reference")
	}
	if status != opgraph.StatusFailure {
		t.Errorf("status = %v, want Failure", status)
	}
}

func TestRunner_ImageSourceErrorPropagates(t *testing.T) {
	r := New("publish", "example.com/test/image:latest", func() (v1.Image, error) {
		return nil, fmt.Errorf("boom")
	}, nil)

	status, err := r.Execute(&opgraph.RunnerContext{Context: context.Background()})
	if err == nil {
		t.Fatal("expected error from failing image source")
	}
	if status != opgraph.StatusFailure {
		t.Errorf("status = %v, want Failure", status)
	}
}

// RetryConfig defaults to opErrors.DefaultRetryConfig, but a caller can swap
// in either named preset and a push still succeeds against a live registry.
func TestRunner_RetryConfigPresetsStillSucceed(t *testing.T) {
	for _, cfg := range []*opErrors.RetryConfig{opErrors.AggressiveRetryConfig(), opErrors.ConservativeRetryConfig()} {
		srv := httptest.NewServer(ggcrregistry.New())

		host := strings.TrimPrefix(srv.URL, "http://")
		ref := fmt.Sprintf("%s/test/image:latest", host)

		r := New("publish", ref, emptyImageSource, nil)
		r.RetryConfig = cfg

		status, err := r.Execute(&opgraph.RunnerContext{Context: context.Background()})
		srv.Close()
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if status != opgraph.StatusSuccess {
			t.Errorf("status = %v, want Success", status)
		}
	}
}

// A push that fails creates the runner's circuit breaker entry with one
// recorded failure, reported through CircuitStatus for diagnostics.
func TestRunner_CircuitStatusReflectsFailures(t *testing.T) {
	r := New("publish", "127.0.0.1:1/test/image:latest", emptyImageSource, nil)
	r.RetryConfig = &opErrors.RetryConfig{
		MaxRetries:      0,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}

	status, err := r.Execute(&opgraph.RunnerContext{Context: context.Background()})
	if err == nil {
		t.Fatal("expected push to an unreachable registry to fail")
	}
	if status != opgraph.StatusFailure {
		t.Errorf("status = %v, want Failure", status)
	}

	statuses := r.CircuitStatus()
	if len(statuses) != 1 {
		t.Fatalf("CircuitStatus() returned %d entries, want 1", len(statuses))
	}
	if statuses[0].Operation != "publish" {
		t.Errorf("Operation = %q, want %q", statuses[0].Operation, "publish")
	}
	if statuses[0].FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", statuses[0].FailureCount)
	}
}
