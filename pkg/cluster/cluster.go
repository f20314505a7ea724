// Package cluster implements the embedding-based clustering used by the
// feedback aggregator (§4.4): agglomerative clustering for small batches,
// an HDBSCAN-like density clustering for larger ones, and the cluster
// fingerprinting used to detect membership change between aggregation
// runs. No clustering library appears anywhere in the retrieval pack, so
// this package is stdlib math end to end (see DESIGN.md).
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
)

// Item is one raw feedback entry going into a clustering pass.
type Item struct {
	ID        string
	Embedding []float64
}

// Cluster is a group of items that clustering decided belong together.
type Cluster struct {
	Items []Item
}

// RawFeedbackIDs returns member ids sorted ascending, the order §4.4
// requires before fingerprinting.
func (c Cluster) RawFeedbackIDs() []string {
	ids := make([]string, len(c.Items))
	for i, it := range c.Items {
		ids[i] = it.ID
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint is the first 16 hex chars of SHA-256 over the cluster's
// sorted member ids, used as the stable identity of a cluster across
// aggregation runs.
func (c Cluster) Fingerprint() string {
	return Fingerprint(c.RawFeedbackIDs())
}

// Fingerprint hashes an already-sorted-or-not id list; callers that
// already have a sorted slice (e.g. from a stored cluster) can call this
// directly instead of going through a Cluster.
func Fingerprint(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// Options configures a clustering pass. Zero-value fields fall back to
// the §4.4 defaults.
type Options struct {
	// AgglomerativeThreshold is the fixed cosine-distance threshold used
	// below the HDBSCAN crossover (default 0.35).
	AgglomerativeThreshold float64
	// MinFeedbackThreshold drops singleton clusters smaller than this
	// (default 2); a 1-member cluster normally means "not enough
	// agreement yet" rather than a real pattern.
	MinFeedbackThreshold int
}

func (o Options) withDefaults() Options {
	if o.AgglomerativeThreshold <= 0 {
		o.AgglomerativeThreshold = 0.35
	}
	if o.MinFeedbackThreshold <= 0 {
		o.MinFeedbackThreshold = 2
	}
	return o
}

// hdbscanCrossover is the item count at which §4.4 switches from
// agglomerative clustering to the HDBSCAN-like density method.
const hdbscanCrossover = 50

// Clusters groups items per §4.4: agglomerative clustering with a fixed
// distance threshold below hdbscanCrossover items, HDBSCAN-like density
// clustering at or above it (falling back to agglomerative if that
// yields fewer than 2 clusters), then drops singleton clusters under
// MinFeedbackThreshold. Results are ordered by descending size.
func Clusters(items []Item, opts Options) []Cluster {
	opts = opts.withDefaults()

	var raw []Cluster
	if len(items) < hdbscanCrossover {
		raw = agglomerative(items, opts.AgglomerativeThreshold)
	} else {
		raw = hdbscanLike(items)
		if countClusters(raw) < 2 {
			raw = agglomerative(items, opts.AgglomerativeThreshold)
		}
	}

	filtered := make([]Cluster, 0, len(raw))
	for _, c := range raw {
		if len(c.Items) < opts.MinFeedbackThreshold {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return len(filtered[i].Items) > len(filtered[j].Items)
	})
	return filtered
}

func countClusters(cs []Cluster) int {
	n := 0
	for _, c := range cs {
		if len(c.Items) > 0 {
			n++
		}
	}
	return n
}

// cosineDistance is 1 - cosine similarity; 0 for identical direction, up
// to 2 for opposite. Embeddings are assumed unit-normalized or at least
// comparably scaled, matching what pkg/embeddings produces.
func cosineDistance(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - sim
}

// agglomerative does single-linkage clustering: any two items within
// threshold cosine distance end up in the same cluster, transitively,
// via union-find. Minimum cluster size here is 1 (filtering by
// MinFeedbackThreshold happens in Clusters).
func agglomerative(items []Item, threshold float64) []Cluster {
	n := len(items)
	if n == 0 {
		return nil
	}
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if cosineDistance(items[i].Embedding, items[j].Embedding) <= threshold {
				uf.union(i, j)
			}
		}
	}
	return uf.clusters(items)
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p, rank: make([]int, n)}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

func (u *unionFind) clusters(items []Item) []Cluster {
	groups := map[int][]Item{}
	for i, it := range items {
		root := u.find(i)
		groups[root] = append(groups[root], it)
	}
	out := make([]Cluster, 0, len(groups))
	for _, members := range groups {
		out = append(out, Cluster{Items: members})
	}
	return out
}

// hdbscanLike approximates HDBSCAN for n >= hdbscanCrossover: it builds a
// minimum spanning tree over mutual-reachability distance (core distance
// from the min_samples-th nearest neighbor), then tries cutting the
// tree's edges from longest to shortest, keeping a cut only when every
// resulting component still has at least minClusterSize members. Every
// item ends up in one of the resulting components; none is left as noise.
func hdbscanLike(items []Item) []Cluster {
	n := len(items)
	if n == 0 {
		return nil
	}
	minClusterSize := int(math.Max(2, math.Floor(math.Sqrt(float64(n)))))
	minSamples := 2

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i == j {
				continue
			}
			dist[i][j] = cosineDistance(items[i].Embedding, items[j].Embedding)
		}
	}

	core := make([]float64, n)
	for i := 0; i < n; i++ {
		neighbors := make([]float64, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			neighbors = append(neighbors, dist[i][j])
		}
		sort.Float64s(neighbors)
		idx := minSamples - 1
		if idx >= len(neighbors) {
			idx = len(neighbors) - 1
		}
		if idx < 0 {
			core[i] = 0
		} else {
			core[i] = neighbors[idx]
		}
	}

	mutualReach := func(i, j int) float64 {
		d := dist[i][j]
		if core[i] > d {
			d = core[i]
		}
		if core[j] > d {
			d = core[j]
		}
		return d
	}

	edges := prim(n, mutualReach)
	sort.Slice(edges, func(i, j int) bool { return edges[i].weight > edges[j].weight })

	// Build the full spanning structure via union of all edges except a
	// growing cut set, stopping once every component is large enough or
	// no edge remains to cut without shrinking a component below
	// minClusterSize.
	remaining := make([]mstEdge, len(edges))
	copy(remaining, edges)

	rebuild := func(cut map[[2]int]bool) *unionFind {
		u := newUnionFind(n)
		for _, e := range edges {
			if cut[[2]int{e.a, e.b}] {
				continue
			}
			u.union(e.a, e.b)
		}
		return u
	}

	cut := map[[2]int]bool{}
	for _, e := range remaining {
		key := [2]int{e.a, e.b}
		candidate := map[[2]int]bool{}
		for k := range cut {
			candidate[k] = true
		}
		candidate[key] = true

		u := rebuild(candidate)
		sizes := componentSizes(u, n)
		allLargeEnough := true
		for _, s := range sizes {
			if s < minClusterSize {
				allLargeEnough = false
				break
			}
		}
		if allLargeEnough && len(sizes) > 1 {
			cut = candidate
		}
	}

	final := rebuild(cut)
	return final.clusters(items)
}

func componentSizes(u *unionFind, n int) []int {
	counts := map[int]int{}
	for i := 0; i < n; i++ {
		counts[u.find(i)]++
	}
	sizes := make([]int, 0, len(counts))
	for _, c := range counts {
		sizes = append(sizes, c)
	}
	return sizes
}

type mstEdge struct {
	a, b   int
	weight float64
}

// prim builds a minimum spanning tree over n nodes given a distance
// function, returning its edges.
func prim(n int, dist func(i, j int) float64) []mstEdge {
	if n <= 1 {
		return nil
	}
	inTree := make([]bool, n)
	minEdge := make([]float64, n)
	fromNode := make([]int, n)
	for i := range minEdge {
		minEdge[i] = math.Inf(1)
		fromNode[i] = -1
	}
	minEdge[0] = 0

	edges := make([]mstEdge, 0, n-1)
	for count := 0; count < n; count++ {
		u := -1
		best := math.Inf(1)
		for v := 0; v < n; v++ {
			if !inTree[v] && minEdge[v] < best {
				best = minEdge[v]
				u = v
			}
		}
		if u == -1 {
			break
		}
		inTree[u] = true
		if fromNode[u] != -1 {
			a, b := fromNode[u], u
			if a > b {
				a, b = b, a
			}
			edges = append(edges, mstEdge{a: a, b: b, weight: minEdge[u]})
		}
		for v := 0; v < n; v++ {
			if !inTree[v] && dist(u, v) < minEdge[v] {
				minEdge[v] = dist(u, v)
				fromNode[v] = u
			}
		}
	}
	return edges
}
