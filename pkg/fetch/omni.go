package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/command"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
)

// OmniFetcher pulls advertisement RSpecs from GENI aggregate managers by
// running omni's listresources.
type OmniFetcher struct {
	Exec   string // omni executable
	Conf   string // omni configuration file
	Store  *artifact.Store
	Logger *slog.Logger
}

// Fetch runs
//
//	<omni> -c <conf> -a <url> listresources --outputfile=<path>
//
// and returns the output file as a raw artifact.
func (f *OmniFetcher) Fetch(ctx context.Context, ep registry.Endpoint) (artifact.Artifact, error) {
	out, err := f.Store.Create(ep.ID, artifact.KindRaw)
	if err != nil {
		return artifact.Artifact{}, err
	}
	conf, err := command.ExpandHome(f.Conf)
	if err != nil {
		_ = f.Store.Release(out)
		return artifact.Artifact{}, err
	}

	spec := command.Spec{
		Path: f.Exec,
		Args: []string{"-c", conf, "-a", ep.Location, "listresources", "--outputfile=" + out.Path},
	}
	log := f.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log.Info("pulling aggregate manager", "endpoint", ep.ID, "url", ep.Location, "cmd", spec.String())

	if err := command.Run(ctx, spec); err != nil {
		_ = f.Store.Release(out)
		return artifact.Artifact{}, fmt.Errorf("fetch %q: %w", ep.ID, err)
	}
	if _, err := os.Stat(out.Path); err != nil {
		_ = f.Store.Release(out)
		if errors.Is(err, os.ErrNotExist) {
			return artifact.Artifact{}, fmt.Errorf("fetch %q: %w", ep.ID, ErrMissingOutput)
		}
		return artifact.Artifact{}, fmt.Errorf("fetch %q: %w", ep.ID, err)
	}
	return out, nil
}
