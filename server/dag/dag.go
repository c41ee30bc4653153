package dag

import (
	"fmt"

	"github.com/mohitkumar/dagjob/server/model"
)

const MaxNodes = 1000

// ValidationError reports a structural defect in a workflow graph. Cycle
// detection names a node on the cycle.
type ValidationError struct {
	NodeId  int64
	Message string
}

func (e ValidationError) Error() string {
	if e.NodeId > 0 {
		return fmt.Sprintf("dag validation failed at node %d: %s", e.NodeId, e.Message)
	}
	return fmt.Sprintf("dag validation failed: %s", e.Message)
}

// Dag is the in-memory dependency graph of one workflow version. Node and
// edge insertion order is preserved so traversals are deterministic.
type Dag struct {
	nodes   map[int64]bool
	order   []int64
	succ    map[int64][]int64
	pred    map[int64][]int64
	edges   map[int64]map[int64]model.Edge
}

func New() *Dag {
	return &Dag{
		nodes: make(map[int64]bool),
		succ:  make(map[int64][]int64),
		pred:  make(map[int64][]int64),
		edges: make(map[int64]map[int64]model.Edge),
	}
}

// FromWorkflow builds and validates the graph of a published workflow.
func FromWorkflow(wf *model.Workflow) (*Dag, error) {
	d := New()
	for _, jobId := range wf.Jobs {
		if err := d.AddNode(jobId); err != nil {
			return nil, err
		}
	}
	for _, edge := range wf.Edges {
		if err := d.AddEdge(edge); err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dag) AddNode(id int64) error {
	if id <= 0 {
		return ValidationError{NodeId: id, Message: "node id must be positive"}
	}
	if len(d.nodes) >= MaxNodes {
		return ValidationError{NodeId: id, Message: fmt.Sprintf("node count exceeds limit %d", MaxNodes)}
	}
	if d.nodes[id] {
		return nil
	}
	d.nodes[id] = true
	d.order = append(d.order, id)
	return nil
}

// AddEdge links two known nodes. Duplicate (from,to) pairs collapse onto
// the latest edge; self-loops are rejected.
func (d *Dag) AddEdge(edge model.Edge) error {
	from, to := edge.FromJobId, edge.ToJobId
	if from == to {
		return ValidationError{NodeId: from, Message: "node can not depend on itself"}
	}
	if !d.nodes[from] {
		return ValidationError{NodeId: from, Message: "edge references unknown source node"}
	}
	if !d.nodes[to] {
		return ValidationError{NodeId: to, Message: "edge references unknown target node"}
	}
	if _, dup := d.edges[from][to]; !dup {
		d.succ[from] = append(d.succ[from], to)
		d.pred[to] = append(d.pred[to], from)
	}
	if d.edges[from] == nil {
		d.edges[from] = make(map[int64]model.Edge)
	}
	d.edges[from][to] = edge
	return nil
}

// Validate runs three-color DFS cycle detection over every component. A
// back-edge to a node still on the stack names that node in the error.
func (d *Dag) Validate() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int64]int, len(d.nodes))
	var visit func(id int64) error
	visit = func(id int64) error {
		color[id] = gray
		for _, next := range d.succ[id] {
			switch color[next] {
			case gray:
				return ValidationError{NodeId: next, Message: "cycle detected"}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range d.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalSort returns an execution order over all nodes, visiting
// every component so a forest within one workflow is supported.
func (d *Dag) TopologicalSort() ([]int64, error) {
	inDegree := make(map[int64]int, len(d.nodes))
	for _, id := range d.order {
		inDegree[id] = len(d.pred[id])
	}
	queue := make([]int64, 0, len(d.nodes))
	for _, id := range d.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	result := make([]int64, 0, len(d.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, next := range d.succ[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(result) != len(d.nodes) {
		for _, id := range d.order {
			if inDegree[id] > 0 {
				return nil, ValidationError{NodeId: id, Message: "cycle detected, topological sort impossible"}
			}
		}
		return nil, ValidationError{Message: "cycle detected, topological sort impossible"}
	}
	return result, nil
}

func (d *Dag) RootNodes() []int64 {
	roots := make([]int64, 0)
	for _, id := range d.order {
		if len(d.pred[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

func (d *Dag) LeafNodes() []int64 {
	leaves := make([]int64, 0)
	for _, id := range d.order {
		if len(d.succ[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

func (d *Dag) Predecessors(id int64) []int64 {
	return append([]int64(nil), d.pred[id]...)
}

func (d *Dag) Successors(id int64) []int64 {
	return append([]int64(nil), d.succ[id]...)
}

func (d *Dag) Edge(from, to int64) (model.Edge, bool) {
	e, ok := d.edges[from][to]
	return e, ok
}

func (d *Dag) Nodes() []int64 {
	return append([]int64(nil), d.order...)
}

func (d *Dag) HasNode(id int64) bool {
	return d.nodes[id]
}

// Downstream returns every node reachable from start, in dependency order.
// MANUAL_CASCADE triggers walk this set.
func (d *Dag) Downstream(start int64) []int64 {
	visited := map[int64]bool{start: true}
	queue := append([]int64(nil), d.succ[start]...)
	reach := make(map[int64]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		reach[id] = true
		queue = append(queue, d.succ[id]...)
	}
	ordered, err := d.TopologicalSort()
	if err != nil {
		return nil
	}
	result := make([]int64, 0, len(reach))
	for _, id := range ordered {
		if reach[id] {
			result = append(result, id)
		}
	}
	return result
}

// EdgeStatus classifies one inbound edge during dependency-satisfaction
// checks.
type EdgeStatus int

const (
	EdgePending EdgeStatus = iota
	EdgeSatisfied
	EdgeSkipped
)

// ReleasableSuccessors is the downstream-release query: given a node whose
// run just reached a terminal state, it returns the successors every one of
// whose inbound edges is satisfied or skipped. Successors whose inbound
// edges are all skipped are returned separately so the caller can mark them
// skipped and propagate. This is a dependency-satisfaction check, not a
// re-validation of the graph.
func (d *Dag) ReleasableSuccessors(node int64, status func(model.Edge) EdgeStatus) (release []int64, skipped []int64) {
	for _, next := range d.succ[node] {
		satisfied := 0
		done := true
		for _, from := range d.pred[next] {
			edge := d.edges[from][next]
			switch status(edge) {
			case EdgeSatisfied:
				satisfied++
			case EdgeSkipped:
			default:
				done = false
			}
			if !done {
				break
			}
		}
		if !done {
			continue
		}
		if satisfied > 0 {
			release = append(release, next)
		} else {
			skipped = append(skipped, next)
		}
	}
	return release, skipped
}

// ReadyNodes returns nodes whose predecessors are all completed and which
// are neither completed nor running themselves.
func (d *Dag) ReadyNodes(completed map[int64]bool, running map[int64]bool) []int64 {
	ready := make([]int64, 0)
	for _, id := range d.order {
		if completed[id] || running[id] {
			continue
		}
		ok := true
		for _, from := range d.pred[id] {
			if !completed[from] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}
