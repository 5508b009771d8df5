package main

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/periscope-ps/peri-client-scripts/pkg/config"
	"github.com/periscope-ps/peri-client-scripts/pkg/publish"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
	"github.com/periscope-ps/peri-client-scripts/pkg/stage"
)

func planCmd() *cobra.Command {
	var (
		o      config.Overrides
		format string
	)

	cmd := &cobra.Command{
		Use:   "plan <am|ps>",
		Short: "Print what a run would do without running anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := variantFor(args[0])
			if err != nil {
				return err
			}
			// persistent flags of the root command
			o.Workers, _ = cmd.Flags().GetInt("workers")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			cfg, err := config.Load(v.section, o)
			if err != nil {
				return err
			}
			p, err := buildPlan(v, cfg, batchSize)
			if err != nil {
				return err
			}

			switch strings.ToLower(format) {
			case "dot":
				out, err := renderDOT(p)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			case "text", "":
				fmt.Fprint(cmd.OutOrStdout(), renderText(p))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.File, "config", "c", "", "configuration file")
	f.StringVar(&o.URN, "urn", "", "URN of a single endpoint")
	f.StringVar(&o.Location, "url", "", "URL of the endpoint given with --urn")
	f.StringVarP(&o.Encoder, "encoder", "e", "", "unisencoder executable")
	f.StringVarP(&o.UNISURL, "unis-url", "u", "", "URL of the UNIS instance")
	f.StringVar(&o.Omni, "omni", "", "omni executable")
	f.StringVar(&o.OmniConf, "omni-conf", "", "omni configuration file")
	f.StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// plan is the static shape of a run.
type plan struct {
	Variant   variant
	Endpoints []registry.Endpoint
	Batches   [][]string
	Workers   int
	Fetch     string
	Encode    string
	Publish   string
}

func buildPlan(v variant, cfg *config.Config, batchSize int) (*plan, error) {
	reg, err := registry.New(cfg.Endpoints)
	if err != nil {
		return nil, &config.ConfigError{Msg: "invalid endpoints", Err: err}
	}
	eps := reg.Endpoints()
	items := make([]stage.Item[registry.Endpoint], len(eps))
	for i, ep := range eps {
		items[i] = stage.Item[registry.Endpoint]{ID: ep.ID, In: ep}
	}

	p := &plan{Variant: v, Endpoints: eps, Workers: cfg.Workers}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	for _, b := range stage.Batch(items, batchSize) {
		ids := make([]string, len(b))
		for i, it := range b {
			ids[i] = it.ID
		}
		p.Batches = append(p.Batches, ids)
	}

	if v.name == topologyServices.name {
		p.Fetch = "SOAP TSQueryRequest"
	} else {
		p.Fetch = fmt.Sprintf("%s -c %s listresources", cfg.Omni, cfg.OmniConf)
	}
	p.Encode = fmt.Sprintf("%s -t %s", cfg.Encoder, v.format)
	mode := "lenient"
	if v.strict {
		mode = "strict"
	}
	pub := &publish.Publisher{BaseURL: cfg.UNISURL, Path: v.path}
	p.Publish = fmt.Sprintf("POST %s (%s)", pub.URL(), mode)
	return p, nil
}

// renderText produces the human-readable summary.
func renderText(p *plan) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Plan: %s  (%d endpoints, %d batches, %d workers)\n",
		p.Variant.name, len(p.Endpoints), len(p.Batches), p.Workers)

	fmt.Fprintf(&sb, "\nStages:\n")
	fmt.Fprintf(&sb, "  %-8s  %s\n", "fetch", p.Fetch)
	fmt.Fprintf(&sb, "  %-8s  %s\n", "encode", p.Encode)
	fmt.Fprintf(&sb, "  %-8s  %s\n", "publish", p.Publish)

	maxIDLen := 4
	for _, ep := range p.Endpoints {
		maxIDLen = max(maxIDLen, len(ep.ID))
	}
	batchOf := map[string]int{}
	for i, b := range p.Batches {
		for _, id := range b {
			batchOf[id] = i + 1
		}
	}
	fmt.Fprintf(&sb, "\nEndpoints:\n")
	for _, ep := range p.Endpoints {
		fmt.Fprintf(&sb, "  %-*s  batch %-3d  %s\n", maxIDLen, ep.ID, batchOf[ep.ID], ep.Location)
	}
	return sb.String()
}

// renderDOT draws the plan as a digraph: one cluster per batch feeding the
// three stages.
func renderDOT(p *plan) (string, error) {
	g := gographviz.NewEscape()
	const name = "topopull"
	if err := g.SetName(name); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(name, "rankdir", "LR"); err != nil {
		return "", err
	}

	stages := []struct{ id, label string }{
		{"fetch", `fetch\n` + p.Fetch},
		{"encode", `encode\n` + p.Encode},
		{"publish", `publish\n` + p.Publish},
	}
	for _, s := range stages {
		if err := g.AddNode(name, s.id, map[string]string{"shape": "box", "label": s.label}); err != nil {
			return "", err
		}
	}
	if err := g.AddEdge("fetch", "encode", true, nil); err != nil {
		return "", err
	}
	if err := g.AddEdge("encode", "publish", true, nil); err != nil {
		return "", err
	}

	for i, batch := range p.Batches {
		cluster := fmt.Sprintf("cluster_batch%d", i+1)
		if err := g.AddSubGraph(name, cluster, map[string]string{"label": fmt.Sprintf("batch %d", i+1)}); err != nil {
			return "", err
		}
		for _, id := range batch {
			// the escaper reads "a:b" as a node:port pair and leaves it bare
			node := strconv.Quote(id)
			if err := g.AddNode(cluster, node, map[string]string{"shape": "ellipse"}); err != nil {
				return "", err
			}
			if err := g.AddEdge(node, "fetch", true, nil); err != nil {
				return "", err
			}
		}
	}
	return g.String(), nil
}
