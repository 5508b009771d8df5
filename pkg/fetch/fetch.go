// Package fetch retrieves raw topology documents from remote endpoints and
// stores each one as a raw artifact.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
)

var (
	// ErrNoTopology means the service answered but the response carried no
	// topology element. The endpoint is skipped, not failed.
	ErrNoTopology = errors.New("no topology in response")

	// ErrMissingOutput means the retrieval tool exited 0 without leaving
	// its declared output file behind.
	ErrMissingOutput = errors.New("retrieval tool produced no output file")
)

// Fetcher retrieves the raw document of one endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, ep registry.Endpoint) (artifact.Artifact, error)
}

// TransportError is a network or protocol fault talking to an endpoint.
type TransportError struct {
	Endpoint string
	Status   int // HTTP status when the fault is a bad response, else 0
	Cause    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("endpoint %q: unexpected HTTP status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("endpoint %q: %v", e.Endpoint, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
