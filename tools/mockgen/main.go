// Command mockgen writes a synthetic layered service description for load
// testing svcgraph.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zheng/svcgraph/internal/graph"
)

// Config represents the generated graph shape
type Config struct {
	Output     string
	Format     string
	APIs       int
	Services   int
	Layers     int
	Sinks      int
	Density    float64 // average out-edges per service
	BackRate   float64 // probability of an extra edge pointing to an earlier layer
	VulnRate   float64 // probability that a service carries a vulnerability
	PublicRate float64 // probability that an api is publicly exposed
	Seed       int64
}

var (
	languages  = []string{"go", "java", "python", "node"}
	sinkKinds  = []string{"db", "rds", "sql", "database"}
	severities = []string{"low", "medium", "high", "critical"}
	findings   = []string{"sql injection", "path traversal", "ssrf", "deserialization", "weak crypto"}
)

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.Output, "o", "-", "output file (- for stdout)")
	flag.StringVar(&cfg.Format, "format", "", "json or yaml (default: from the file extension)")
	flag.IntVar(&cfg.APIs, "apis", 10, "number of api services")
	flag.IntVar(&cfg.Services, "services", 200, "number of internal services")
	flag.IntVar(&cfg.Layers, "layers", 5, "internal service layers")
	flag.IntVar(&cfg.Sinks, "sinks", 20, "number of data sinks")
	flag.Float64Var(&cfg.Density, "density", 2.0, "average out-edges per service")
	flag.Float64Var(&cfg.BackRate, "back", 0.05, "probability of a back edge (cycle)")
	flag.Float64Var(&cfg.VulnRate, "vulns", 0.05, "probability of a vulnerable service")
	flag.Float64Var(&cfg.PublicRate, "public", 0.5, "probability of a public api")
	flag.Int64Var(&cfg.Seed, "seed", 0, "random seed (0 = time based)")
	flag.Parse()

	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	format := graph.Format(cfg.Format)
	if format == "" {
		format = graph.FormatFromPath(cfg.Output)
	}

	desc := Generate(cfg)

	var w io.Writer = os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	if err := Write(w, desc, format); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "generated %d services, %d edge entries (seed %d)\n", len(desc.Nodes), len(desc.Edges), cfg.Seed)
}

// Generate builds a layered description: apis call the first internal
// layer, each layer calls the next one and the last layer calls the sinks.
func Generate(cfg Config) *graph.Description {
	rng := rand.New(rand.NewSource(cfg.Seed))
	if cfg.Layers < 1 {
		cfg.Layers = 1
	}

	desc := &graph.Description{}
	var tiers [][]string

	apis := make([]string, 0, cfg.APIs)
	for i := 0; i < cfg.APIs; i++ {
		name := fmt.Sprintf("api-%d", i)
		apis = append(apis, name)
		desc.Nodes = append(desc.Nodes, graph.RawNode{
			Name:          name,
			Kind:          "api",
			Language:      graph.StringPtr(languages[rng.Intn(len(languages))]),
			Path:          graph.StringPtr(fmt.Sprintf("apis/%s", name)),
			PublicExposed: graph.BoolPtr(rng.Float64() < cfg.PublicRate),
		})
	}
	tiers = append(tiers, apis)

	perLayer := cfg.Services / cfg.Layers
	for l := 0; l < cfg.Layers; l++ {
		count := perLayer
		if l == cfg.Layers-1 {
			count = cfg.Services - perLayer*(cfg.Layers-1)
		}
		layer := make([]string, 0, count)
		for i := 0; i < count; i++ {
			name := fmt.Sprintf("svc-%d-%d", l, i)
			layer = append(layer, name)
			node := graph.RawNode{
				Name:     name,
				Kind:     "service",
				Language: graph.StringPtr(languages[rng.Intn(len(languages))]),
				Path:     graph.StringPtr(fmt.Sprintf("services/layer%d/%s", l, name)),
			}
			if rng.Float64() < cfg.VulnRate {
				node.Vulnerabilities = []graph.Vulnerability{{
					File:     fmt.Sprintf("%s/handler.go", name),
					Severity: severities[rng.Intn(len(severities))],
					Message:  findings[rng.Intn(len(findings))],
					Metadata: map[string]any{"cwe": fmt.Sprintf("CWE-%d", 20+rng.Intn(900))},
				}}
			}
			desc.Nodes = append(desc.Nodes, node)
		}
		tiers = append(tiers, layer)
	}

	sinks := make([]string, 0, cfg.Sinks)
	for i := 0; i < cfg.Sinks; i++ {
		name := fmt.Sprintf("store-%d", i)
		sinks = append(sinks, name)
		desc.Nodes = append(desc.Nodes, graph.RawNode{
			Name: name,
			Kind: sinkKinds[rng.Intn(len(sinkKinds))],
		})
	}
	tiers = append(tiers, sinks)

	for t := 0; t < len(tiers)-1; t++ {
		next := tiers[t+1]
		if len(next) == 0 {
			continue
		}
		for _, from := range tiers[t] {
			targets := pick(rng, next, cfg.Density)
			if t > 0 && rng.Float64() < cfg.BackRate {
				prev := tiers[rng.Intn(t)+1]
				if len(prev) > 0 {
					targets = append(targets, prev[rng.Intn(len(prev))])
				}
			}
			if len(targets) == 0 {
				continue
			}
			var to any = targets
			if len(targets) == 1 {
				to = targets[0]
			}
			desc.Edges = append(desc.Edges, graph.RawEdge{From: from, To: to})
		}
	}

	return desc
}

// pick returns about density distinct names from pool, at least one
func pick(rng *rand.Rand, pool []string, density float64) []string {
	n := int(density)
	if rng.Float64() < density-float64(n) {
		n++
	}
	if n < 1 {
		n = 1
	}
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]string, 0, n)
	for _, i := range rng.Perm(len(pool))[:n] {
		out = append(out, pool[i])
	}
	return out
}

// Write encodes desc in the given format
func Write(w io.Writer, desc *graph.Description, format graph.Format) error {
	switch format {
	case graph.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(desc); err != nil {
			return err
		}
		return enc.Close()
	case graph.FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(desc)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
