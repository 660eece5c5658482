// Package topology holds the authoritative in-memory service-dependency
// graph: nodes, directed edges, derived health status, and the pending sets
// that absorb out-of-order delivery of creation and update events.
package topology

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/pkg/wire"
)

// maxPendingMetrics bounds the buffer of metrics updates waiting for their
// node to appear. Oldest entries are evicted first.
const maxPendingMetrics = 64

// Metrics is a node's most recently merged metrics snapshot.
type Metrics struct {
	RequestRate  float64 `json:"request_rate"`
	ErrorRate    float64 `json:"error_rate"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	MTLS         bool    `json:"mtls"`
}

// Node is one mesh workload. The ID is immutable once created; everything
// else is updated in place by merges.
type Node struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Namespace   string    `json:"namespace"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Metrics     Metrics   `json:"metrics"`
	LastUpdated time.Time `json:"last_updated"`

	metricsSeen bool
}

// Edge is a directed relationship between two existing nodes.
type Edge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	RequestRate float64 `json:"request_rate"`
}

// Summary holds graph-wide aggregates, always recomputed from current state
// rather than accumulated incrementally.
type Summary struct {
	TotalServices    int      `json:"total_services"`
	TotalConnections int      `json:"total_connections"`
	TotalRequestRate float64  `json:"total_request_rate"`
	Healthy          int      `json:"healthy"`
	Warning          int      `json:"warning"`
	Critical         int      `json:"critical"`
	Unknown          int      `json:"unknown"`
	Namespaces       []string `json:"namespaces"`
}

// Snapshot is an immutable read view of the graph for observers.
type Snapshot struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Summary  Summary        `json:"summary"`
	Overview *wire.Overview `json:"overview,omitempty"`
	TakenAt  time.Time      `json:"taken_at"`
}

type edgeKey struct {
	source string
	target string
}

type pendingEdge struct {
	edge     Edge
	deadline time.Time
}

type pendingMetric struct {
	delta    wire.MetricsDelta
	eventTS  time.Time
	deadline time.Time
}

// Store is the graph merge engine. All mutation goes through the router's
// dispatch path or the session's bootstrap; observers only ever see copies.
type Store struct {
	logger  *slog.Logger
	metrics *diag.Metrics
	window  time.Duration
	now     func() time.Time

	mu             sync.RWMutex
	nodes          map[string]*Node
	edges          map[edgeKey]*Edge
	pendingEdges   map[edgeKey]pendingEdge
	pendingMetrics map[string]pendingMetric
	overview       *wire.Overview
}

// NewStore creates an empty store. window bounds how long updates referencing
// unknown nodes are held before being discarded.
func NewStore(window time.Duration, metrics *diag.Metrics, logger *slog.Logger) *Store {
	return &Store{
		logger:         logger.With("component", "topology"),
		metrics:        metrics,
		window:         window,
		now:            time.Now,
		nodes:          make(map[string]*Node),
		edges:          make(map[edgeKey]*Edge),
		pendingEdges:   make(map[edgeKey]pendingEdge),
		pendingMetrics: make(map[string]pendingMetric),
	}
}

// Replace swaps the entire graph for a bootstrap snapshot, establishing a
// known-consistent baseline. Pending updates that resolve against the new
// graph are applied; the rest are dropped as stale.
func (s *Store) Replace(nodes []wire.Node, edges []wire.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nodes = make(map[string]*Node, len(nodes))
	s.edges = make(map[edgeKey]*Edge, len(edges))

	for _, wn := range nodes {
		if wn.ID == "" {
			continue
		}
		s.insertNodeLocked(wn, now)
	}
	for _, we := range edges {
		s.insertEdgeLocked(we, now)
	}

	// A full snapshot supersedes anything still waiting.
	s.resolvePendingLocked()
	s.pendingEdges = make(map[edgeKey]pendingEdge)
	s.pendingMetrics = make(map[string]pendingMetric)

	s.logger.Info("topology replaced", "nodes", len(s.nodes), "edges", len(s.edges))
}

// ApplyMetrics merges a partial metrics delta into the named node,
// field-by-field. Updates for unknown nodes are buffered until the node
// appears or the pending window elapses; a node is never fabricated from
// metrics alone.
func (s *Store) ApplyMetrics(serviceID string, delta wire.MetricsDelta, eventTS time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepPendingLocked(now)

	node, ok := s.nodes[serviceID]
	if !ok {
		s.bufferMetricsLocked(serviceID, delta, eventTS, now)
		return
	}
	s.mergeMetricsLocked(node, delta, eventTS)
}

// ApplyUpdate applies a topology_update frame: a full replacement when the
// backend broadcast the whole graph, otherwise a structural delta.
func (s *Store) ApplyUpdate(u wire.TopologyUpdate) {
	if u.IsFull() {
		s.Replace(u.Nodes, u.Edges)
		return
	}
	s.ApplyDelta(u.NodesAdded, u.NodesRemoved, u.EdgesAdded, u.EdgesRemoved)
}

// ApplyDelta mutates the graph structurally. Node removal cascades to every
// edge referencing the node, live or pending. Added edges with a missing
// endpoint go into the pending set.
func (s *Store) ApplyDelta(added []wire.Node, removed []string, edgesAdded []wire.Edge, edgesRemoved []wire.EdgeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepPendingLocked(now)

	for _, wn := range added {
		if wn.ID == "" {
			continue
		}
		s.insertNodeLocked(wn, now)
	}

	for _, id := range removed {
		delete(s.nodes, id)
		delete(s.pendingMetrics, id)
		for k := range s.edges {
			if k.source == id || k.target == id {
				delete(s.edges, k)
			}
		}
		for k := range s.pendingEdges {
			if k.source == id || k.target == id {
				delete(s.pendingEdges, k)
			}
		}
	}

	for _, we := range edgesAdded {
		s.insertEdgeLocked(we, now)
	}
	for _, ek := range edgesRemoved {
		k := edgeKey{source: ek.Source, target: ek.Target}
		delete(s.edges, k)
		delete(s.pendingEdges, k)
	}

	if len(added) > 0 {
		s.resolvePendingLocked()
	}
}

// SetOverview records the mesh-wide metrics roll-up.
func (s *Store) SetOverview(o wire.Overview) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overview = &o
}

// Snapshot returns an immutable read view with aggregates recomputed from
// current node and edge state. Pending entries are swept first so an expired
// edge never appears in a later snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepPendingLocked(s.now())

	snap := Snapshot{
		Nodes:   make([]Node, 0, len(s.nodes)),
		Edges:   make([]Edge, 0, len(s.edges)),
		TakenAt: s.now(),
	}

	namespaces := make(map[string]bool)
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, *n)
		namespaces[n.Namespace] = true
		switch n.Status {
		case StatusHealthy:
			snap.Summary.Healthy++
		case StatusWarning:
			snap.Summary.Warning++
		case StatusCritical:
			snap.Summary.Critical++
		default:
			snap.Summary.Unknown++
		}
		snap.Summary.TotalRequestRate += n.Metrics.RequestRate
	}
	for _, e := range s.edges {
		snap.Edges = append(snap.Edges, *e)
	}

	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Source != snap.Edges[j].Source {
			return snap.Edges[i].Source < snap.Edges[j].Source
		}
		return snap.Edges[i].Target < snap.Edges[j].Target
	})

	snap.Summary.TotalServices = len(snap.Nodes)
	snap.Summary.TotalConnections = len(snap.Edges)
	for ns := range namespaces {
		if ns != "" {
			snap.Summary.Namespaces = append(snap.Summary.Namespaces, ns)
		}
	}
	sort.Strings(snap.Summary.Namespaces)

	if s.overview != nil {
		o := *s.overview
		snap.Overview = &o
	}
	return snap
}

// Get returns a copy of a single node.
func (s *Store) Get(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// --- internal, caller holds s.mu ---

func (s *Store) insertNodeLocked(wn wire.Node, now time.Time) {
	node, exists := s.nodes[wn.ID]
	if !exists {
		node = &Node{
			ID:     wn.ID,
			Status: StatusUnknown,
		}
		s.nodes[wn.ID] = node
	}
	if wn.Name != "" {
		node.Name = wn.Name
	}
	if wn.Namespace != "" {
		node.Namespace = wn.Namespace
	}
	node.Kind = classifyKind(wn.Kind, node.Name)
	node.LastUpdated = now
	if wn.Metrics != nil {
		s.mergeMetricsLocked(node, *wn.Metrics, now)
	}
}

func (s *Store) insertEdgeLocked(we wire.Edge, now time.Time) {
	if we.Source == "" || we.Target == "" {
		return
	}
	k := edgeKey{source: we.Source, target: we.Target}
	_, srcOK := s.nodes[we.Source]
	_, dstOK := s.nodes[we.Target]
	if srcOK && dstOK {
		s.edges[k] = &Edge{Source: we.Source, Target: we.Target, RequestRate: we.RequestRate}
		delete(s.pendingEdges, k)
		return
	}
	// Hold until both endpoints exist; tolerates edge-before-node delivery.
	s.pendingEdges[k] = pendingEdge{
		edge:     Edge{Source: we.Source, Target: we.Target, RequestRate: we.RequestRate},
		deadline: now.Add(s.window),
	}
}

// mergeMetricsLocked applies a delta field-by-field (last-write-wins per
// field) and recomputes the derived status in the same critical section, so
// a snapshot can never observe metrics from one merge with status from
// another.
func (s *Store) mergeMetricsLocked(node *Node, delta wire.MetricsDelta, eventTS time.Time) {
	if delta.RequestRate != nil {
		node.Metrics.RequestRate = *delta.RequestRate
	}
	if delta.ErrorRate != nil {
		node.Metrics.ErrorRate = *delta.ErrorRate
	}
	if delta.P95LatencyMS != nil {
		node.Metrics.P95LatencyMS = *delta.P95LatencyMS
	}
	if delta.MTLS != nil {
		node.Metrics.MTLS = *delta.MTLS
	}
	node.metricsSeen = true
	node.Status = DeriveStatus(node.Metrics, node.metricsSeen)
	if !eventTS.IsZero() {
		node.LastUpdated = eventTS
	}
}

func (s *Store) bufferMetricsLocked(serviceID string, delta wire.MetricsDelta, eventTS, now time.Time) {
	existing, ok := s.pendingMetrics[serviceID]
	if ok {
		// Coalesce: later fields win, deadline extends.
		merged := existing.delta
		if delta.RequestRate != nil {
			merged.RequestRate = delta.RequestRate
		}
		if delta.ErrorRate != nil {
			merged.ErrorRate = delta.ErrorRate
		}
		if delta.P95LatencyMS != nil {
			merged.P95LatencyMS = delta.P95LatencyMS
		}
		if delta.MTLS != nil {
			merged.MTLS = delta.MTLS
		}
		s.pendingMetrics[serviceID] = pendingMetric{delta: merged, eventTS: eventTS, deadline: now.Add(s.window)}
		return
	}

	if len(s.pendingMetrics) >= maxPendingMetrics {
		s.evictOldestPendingMetricLocked()
	}
	s.pendingMetrics[serviceID] = pendingMetric{delta: delta, eventTS: eventTS, deadline: now.Add(s.window)}
	s.logger.Debug("buffered metrics for unknown service", "service_id", serviceID)
}

func (s *Store) evictOldestPendingMetricLocked() {
	var oldestID string
	var oldest time.Time
	for id, pm := range s.pendingMetrics {
		if oldestID == "" || pm.deadline.Before(oldest) {
			oldestID = id
			oldest = pm.deadline
		}
	}
	if oldestID != "" {
		delete(s.pendingMetrics, oldestID)
		s.metrics.PendingExpired.WithLabelValues("metrics").Inc()
	}
}

// resolvePendingLocked promotes pending edges and metrics whose prerequisites
// now exist.
func (s *Store) resolvePendingLocked() {
	for k, pe := range s.pendingEdges {
		_, srcOK := s.nodes[k.source]
		_, dstOK := s.nodes[k.target]
		if srcOK && dstOK {
			e := pe.edge
			s.edges[k] = &e
			delete(s.pendingEdges, k)
		}
	}
	for id, pm := range s.pendingMetrics {
		if node, ok := s.nodes[id]; ok {
			s.mergeMetricsLocked(node, pm.delta, pm.eventTS)
			delete(s.pendingMetrics, id)
		}
	}
}

// sweepPendingLocked discards pending entries whose window elapsed.
func (s *Store) sweepPendingLocked(now time.Time) {
	for k, pe := range s.pendingEdges {
		if now.After(pe.deadline) {
			delete(s.pendingEdges, k)
			s.metrics.PendingExpired.WithLabelValues("edge").Inc()
			s.logger.Debug("pending edge expired", "source", k.source, "target", k.target)
		}
	}
	for id, pm := range s.pendingMetrics {
		if now.After(pm.deadline) {
			delete(s.pendingMetrics, id)
			s.metrics.PendingExpired.WithLabelValues("metrics").Inc()
			s.logger.Debug("pending metrics expired", "service_id", id)
		}
	}
}
