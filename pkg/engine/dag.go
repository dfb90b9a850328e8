package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph from a plan's declared steps.
// It validates references, detects cycles, and assigns topological levels
// for parallel execution.
type DAGBuilder struct {
	// steps maps step IDs to their steps
	steps map[string]*Step

	// order preserves declared step order for deterministic output
	order []string

	// adjacencyList maps step IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps step IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to step IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		steps:                make(map[string]*Step),
		order:                make([]string, 0),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs and validates an execution graph from plan steps.
// Validation is a pure pass: it either returns the graph or a structural
// error, and execution never starts on an invalid graph.
func (b *DAGBuilder) BuildGraph(steps []Step) (*ExecutionGraph, error) {
	if len(steps) == 0 {
		return nil, NewValidationError("plan declares no steps", nil)
	}

	if err := b.initialize(steps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize indexes the steps and builds adjacency lists from the
// reference-derived dependency set of each step.
func (b *DAGBuilder) initialize(steps []Step) error {
	// First pass: index all steps
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return NewValidationError("step has empty ID", nil)
		}
		if err := step.Type.Validate(); err != nil {
			return NewValidationError("step has invalid type", err).WithStep(step.ID)
		}
		if _, exists := b.steps[step.ID]; exists {
			return NewValidationError(fmt.Sprintf("duplicate step ID: %s", step.ID), nil)
		}

		b.steps[step.ID] = step
		b.order = append(b.order, step.ID)
		b.adjacencyList[step.ID] = make([]string, 0)
		b.reverseAdjacencyList[step.ID] = make([]string, 0)
		b.inDegree[step.ID] = 0
	}

	// Second pass: build edges and validate reference targets exist
	for _, id := range b.order {
		step := b.steps[id]
		for _, dep := range step.Dependencies() {
			if _, exists := b.steps[dep]; !exists {
				return NewUnknownReferenceError(step.ID, dep)
			}
			if dep == step.ID {
				return NewCyclicDependencyError([]string{step.ID, step.ID})
			}

			// Edge from dependency to step: the referenced step must
			// complete before the referencing step can start.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], step.ID)
			b.reverseAdjacencyList[step.ID] = append(b.reverseAdjacencyList[step.ID], dep)
			b.inDegree[step.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, id := range b.order {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, path); cycle != nil {
				return NewCyclicDependencyError(cycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path when one exists.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			// Found a cycle - slice the path from the first occurrence
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent)
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm with
// in-degree tracking. Steps at the same level can execute in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	// Roots are steps whose inputs contain only literals
	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewValidationError("no root steps found - every step has references", nil)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Every step must be reachable from a root; a shortfall here means a
	// cycle survived detection or a node is unreachable.
	if processedCount != len(b.steps) {
		unreached := make([]string, 0)
		for _, id := range b.order {
			if inDegreeCopy[id] > 0 {
				unreached = append(unreached, id)
			}
		}
		return NewValidationError(
			fmt.Sprintf("steps unreachable from any root: %s", strings.Join(unreached, ", ")), nil)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.steps)),
		Edges:  make([]GraphEdge, 0),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, stepIDs := range b.levels {
		for _, stepID := range stepIDs {
			graph.Nodes[stepID] = &GraphNode{
				ID:           stepID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[stepID],
				Dependents:   b.adjacencyList[stepID],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, stepID)
			}
		}
	}

	for _, id := range b.order {
		for _, dep := range b.steps[id].Dependencies() {
			graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: id})
		}
	}

	return graph
}

// Levels returns the computed execution levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// TransitiveDependents returns every step that directly or transitively
// depends on the given step. The scheduler uses this to mark dependents
// skipped when a required step fails.
func (g *ExecutionGraph) TransitiveDependents(stepID string) []string {
	seen := make(map[string]bool)
	queue := []string{stepID}
	result := make([]string, 0)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		node, ok := g.Nodes[current]
		if !ok {
			continue
		}
		for _, dep := range node.Dependents {
			if !seen[dep] {
				seen[dep] = true
				result = append(result, dep)
				queue = append(queue, dep)
			}
		}
	}

	sort.Strings(result)
	return result
}

// ToDOT generates a DOT format representation of the DAG for visualization.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph PlanGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, stepIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, stepID := range stepIDs {
			step := b.steps[stepID]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\"];\n",
				stepID, stepID, step.Type))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		for _, dep := range b.steps[id].Dependencies() {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
