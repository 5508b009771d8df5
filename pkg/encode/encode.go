// Package encode turns raw topology documents into UNIS canonical form by
// invoking unisencoder.
package encode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/command"
)

// Input format tags understood by unisencoder.
const (
	FormatRSpec3    = "rspec3"
	FormatPerfSONAR = "ps"
)

// Encoder runs unisencoder over raw artifacts.
type Encoder struct {
	Exec   string // unisencoder executable
	Format string // -t value
	Store  *artifact.Store
	Logger *slog.Logger
}

// Encode runs
//
//	<encoder> -t <format> -m <id> -o <out> <in>
//
// and returns the output as a canonical artifact. The raw input is left in
// place.
func (e *Encoder) Encode(ctx context.Context, id string, raw artifact.Artifact) (artifact.Artifact, error) {
	out, err := e.Store.Create(id, artifact.KindCanonical)
	if err != nil {
		return artifact.Artifact{}, err
	}

	spec := command.Spec{
		Path: e.Exec,
		Args: []string{"-t", e.Format, "-m", id, "-o", out.Path, raw.Path},
	}
	log := e.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log.Info("encoding topology", "endpoint", id, "input", raw.Path, "cmd", spec.String())

	if err := command.Run(ctx, spec); err != nil {
		_ = e.Store.Release(out)
		return artifact.Artifact{}, fmt.Errorf("encode %q: %w", id, err)
	}
	return out, nil
}
