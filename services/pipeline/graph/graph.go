// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph expands pipeline definitions into executable DAGs.
//
// The Builder instantiates a root definition, recursively expands plan
// bodies, wires output references into dependency edges, and
// deduplicates instances by their deterministic signature. Expansion
// runs single-threaded per run so that identical inputs always produce
// identical instance ids, edge sets, and scheduling ranks.
package graph

import (
	"sort"

	"github.com/kalebinn/dbnd/services/pipeline/run"
)

// Graph is the expanded DAG of one run.
//
// Description:
//
//	Holds the instances in creation order, the forward (producer to
//	consumer) edge lists, and the topological rank of every instance.
//	Rank is the longest upstream chain length; instances of equal rank
//	have no path between them and may execute concurrently.
//
// Thread Safety:
//
//	Immutable after Build returns; safe for concurrent use.
type Graph struct {
	run        *run.Run
	root       *run.Instance
	instances  []*run.Instance
	byID       map[string]*run.Instance
	downstream map[string][]string
	ranks      map[string]int
	edgeCount  int
}

// Run returns the run this graph was built for.
func (g *Graph) Run() *run.Run {
	return g.run
}

// Root returns the root instance.
func (g *Graph) Root() *run.Instance {
	return g.root
}

// Instances returns all instances in creation order. Children of a
// pipeline precede the pipeline instance itself.
func (g *Graph) Instances() []*run.Instance {
	out := make([]*run.Instance, len(g.instances))
	copy(out, g.instances)
	return out
}

// Instance returns the instance with the given signature id.
func (g *Graph) Instance(id string) (*run.Instance, bool) {
	inst, ok := g.byID[id]
	return inst, ok
}

// Len returns the number of distinct instances.
func (g *Graph) Len() int {
	return len(g.instances)
}

// EdgeCount returns the number of dependency edges.
func (g *Graph) EdgeCount() int {
	return g.edgeCount
}

// Downstream returns the ids of instances directly depending on id,
// in their creation order.
func (g *Graph) Downstream(id string) []string {
	return g.downstream[id]
}

// Rank returns the topological rank of id: zero for instances with no
// dependencies, otherwise one past the highest upstream rank.
func (g *Graph) Rank(id string) int {
	return g.ranks[id]
}

// Waves groups instance ids by rank. Every instance in wave n has all
// its dependencies in waves before n. Within a wave, ids appear in
// declaration order, which is what makes scheduling order reproducible
// across runs.
func (g *Graph) Waves() [][]string {
	maxRank := 0
	for _, r := range g.ranks {
		if r > maxRank {
			maxRank = r
		}
	}

	waves := make([][]string, maxRank+1)
	for _, inst := range g.instances {
		r := g.ranks[inst.ID()]
		waves[r] = append(waves[r], inst.ID())
	}
	for _, wave := range waves {
		ids := wave
		sort.SliceStable(ids, func(i, j int) bool {
			return g.byID[ids[i]].DeclIndex() < g.byID[ids[j]].DeclIndex()
		})
	}
	return waves
}

// computeRanks fills g.ranks by walking upstream chains. The graph is
// acyclic by construction, so the recursion terminates.
func (g *Graph) computeRanks() {
	g.ranks = make(map[string]int, len(g.instances))
	done := make(map[string]bool, len(g.instances))

	var rankOf func(id string) int
	rankOf = func(id string) int {
		if done[id] {
			return g.ranks[id]
		}
		r := 0
		for _, up := range g.byID[id].Upstreams() {
			if ur := rankOf(up) + 1; ur > r {
				r = ur
			}
		}
		g.ranks[id] = r
		done[id] = true
		return r
	}

	for _, inst := range g.instances {
		rankOf(inst.ID())
	}
}
