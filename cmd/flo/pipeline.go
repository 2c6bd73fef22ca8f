package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/state"
)

// demoGraph is a three-node pipeline: a synthetic source, a tumbling
// count per key, and a sink chosen by config.
func demoGraph(ko *koanf.Koanf) (*graph.JobGraph, error) {
	windowSize, err := time.ParseDuration(ko.String("window-size"))
	if err != nil {
		return nil, fmt.Errorf("bad window-size: %w", err)
	}

	nodes := []graph.ProgramNode{
		{
			NodeIndex:   0,
			Name:        "events",
			Parallelism: 1,
			Op: graph.Operator{
				Kind: graph.OpConnectorSource,
				Connector: graph.ConnectorConfig{
					Connector: "synthetic",
					Options: map[string]string{
						"interval":        "50ms",
						"key_cardinality": "8",
					},
				},
				Watermark: graph.WatermarkConfig{
					PeriodMicros:      time.Second.Microseconds(),
					MaxLatenessMicros: (2 * time.Second).Microseconds(),
				},
			},
		},
		{
			NodeIndex:   1,
			Name:        "count_per_key",
			Parallelism: 2,
			Op: graph.Operator{
				Kind: graph.OpWindowAggregate,
				Window: graph.WindowConfig{
					Kind:       graph.WindowTumbling,
					SizeMicros: windowSize.Microseconds(),
				},
				Aggregate: graph.AggregateConfig{Kind: graph.AggCount},
			},
		},
		{
			NodeIndex:   2,
			Name:        "out",
			Parallelism: 1,
			Op: graph.Operator{
				Kind: graph.OpConnectorSink,
				Connector: graph.ConnectorConfig{
					Connector: ko.String("sink"),
					Options: map[string]string{
						"path": ko.String("sink-path"),
					},
				},
			},
		},
	}
	edges := []graph.ProgramEdge{
		{Upstream: 0, Downstream: 1, Type: graph.Shuffle, KeyType: "string", ValueType: "uint64"},
		{Upstream: 1, Downstream: 2, Type: graph.Forward, KeyType: "string", ValueType: "float64"},
	}
	return graph.New(nodes, edges), nil
}

// openStore picks the checkpoint backend from config.
func openStore(ko *koanf.Koanf) (state.Store, error) {
	dir := ko.String("store-dir")
	switch backend := ko.String("store"); backend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "badger":
		return state.NewBadgerStore(&state.BadgerConfig{Dir: dir})
	case "bolt":
		if dir == "" {
			return nil, fmt.Errorf("bolt store requires --store-dir")
		}
		return state.NewBoltStore(filepath.Join(dir, "flo-state.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
