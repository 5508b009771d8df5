// Package publish posts canonical topology documents to a UNIS instance.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/metrics"
)

// ContentType is the media type UNIS expects for perfSONAR JSON documents.
const ContentType = "application/perfsonar+json"

// Catalog collection paths.
const (
	PathDomains    = "/domains"
	PathTopologies = "/topologies"
)

// StatusError is a non-2xx answer from the catalog.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("POST %s: status %d", e.URL, e.Code)
	if b := strings.TrimSpace(e.Body); b != "" {
		if len(b) > 200 {
			b = b[:200]
		}
		msg += ": " + b
	}
	return msg
}

// Result records one publish attempt.
type Result struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Publisher sends artifacts to BaseURL+Path one request at a time.
type Publisher struct {
	BaseURL string
	Path    string
	Client  *http.Client // nil means http.DefaultClient
	Store   *artifact.Store

	// Strict makes PublishAll report non-2xx answers as an error. Without it
	// they are only logged.
	Strict bool

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// URL is the collection every artifact is posted to.
func (p *Publisher) URL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.Path
}

// Publish posts the full content of a. It returns the HTTP status on any
// answer; err is a *StatusError for non-2xx answers and a transport error
// when no answer arrived.
func (p *Publisher) Publish(ctx context.Context, a artifact.Artifact) (int, error) {
	body, err := p.Store.ReadAll(a)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", a.Path, err)
	}
	url := p.URL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		p.Metrics.Published("error")
		return 0, fmt.Errorf("POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	p.Metrics.Published(strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{URL: url, Code: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// PublishAll publishes every artifact in endpoint-id order; nothing already
// published is rolled back. A transport fault stops the loop in Strict mode.
// Otherwise it is recorded in the artifact's Result and the next artifact is
// attempted. Transport faults are always returned. Status failures are
// returned aggregated in Strict mode and only logged otherwise.
func (p *Publisher) PublishAll(ctx context.Context, arts map[string]artifact.Artifact) ([]Result, error) {
	log := p.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ids := make([]string, 0, len(arts))
	for id := range arts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]Result, 0, len(ids))
	var failures *multierror.Error
	for _, id := range ids {
		if ctx.Err() != nil {
			failures = multierror.Append(failures, fmt.Errorf("publish %q: %w", id, ctx.Err()))
			break
		}
		a := arts[id]
		log.Info("sending to UNIS", "endpoint", id, "file", a.Path, "url", p.URL())
		status, err := p.Publish(ctx, a)
		r := Result{Endpoint: id, Status: status}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
		if err == nil {
			continue
		}

		err = fmt.Errorf("publish %q: %w", id, err)
		var se *StatusError
		if !errors.As(err, &se) {
			log.Error("publish failed", "endpoint", id, "error", err)
			if p.Strict {
				return results, multierror.Append(failures, err).ErrorOrNil()
			}
			failures = multierror.Append(failures, err)
			continue
		}
		if p.Strict {
			log.Error("publish rejected", "endpoint", id, "status", status)
			failures = multierror.Append(failures, err)
		} else {
			log.Warn("publish rejected", "endpoint", id, "status", status)
		}
	}
	return results, failures.ErrorOrNil()
}
