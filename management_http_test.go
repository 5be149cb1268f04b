package hypergrid

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

func startManagedNode(t *testing.T) *Node {
	t.Helper()

	cfg := testConfig("A", 1)
	cfg.MgmtAddr = "127.0.0.1:0"

	n, err := NewNode(t.Context(), cfg, WithTransport(statetransfer.NewInProcessTransport()))
	require.NoError(t, err)

	require.NoError(t, n.Start(t.Context()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })

	top, err := NewPlanner(cfg).Initial(1, []cluster.NodeID{"A"})
	require.NoError(t, err)
	require.NoError(t, n.Install(t.Context(), top, false))

	return n
}

func mgmtGet(t *testing.T, n *Node, path string, out any) int {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+n.ManagementAddr()+path, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func mgmtPostTopology(t *testing.T, n *Node, doc TopologyDoc) int {
	t.Helper()

	body, err := json.Marshal(doc)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, "http://"+n.ManagementAddr()+"/cluster/topology", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	_ = resp.Body.Close()

	return resp.StatusCode
}

func TestManagementHTTP_Topology(t *testing.T) {
	n := startManagedNode(t)

	var doc TopologyDoc

	require.Equal(t, http.StatusOK, mgmtGet(t, n, "/cluster/topology", &doc))
	assert.Equal(t, 1, doc.ID)
	assert.False(t, doc.Rebalance)
	require.Len(t, doc.Read, 16)

	// an older topology is refused
	doc.ID = 0
	assert.Equal(t, http.StatusConflict, mgmtPostTopology(t, n, doc))

	doc.ID = 5
	assert.Equal(t, http.StatusAccepted, mgmtPostTopology(t, n, doc))
	assert.Equal(t, 5, n.Topology().ID)

	doc.Read = doc.Read[:3]
	doc.ID = 6
	assert.Equal(t, http.StatusBadRequest, mgmtPostTopology(t, n, doc))
}

func TestManagementHTTP_StatusAndOwners(t *testing.T) {
	n := startManagedNode(t)

	require.NoError(t, n.Put(t.Context(), "alpha", "one", 0))

	var status NodeStatus

	require.Equal(t, http.StatusOK, mgmtGet(t, n, "/statetransfer/status", &status))
	assert.Equal(t, 1, status.Entries)
	assert.Equal(t, 4, status.Workers)
	assert.Nil(t, status.Latency)

	var owners struct {
		Key   string           `json:"key"`
		Read  []cluster.NodeID `json:"readOwners"`
		Write []cluster.NodeID `json:"writeOwners"`
	}

	require.Equal(t, http.StatusOK, mgmtGet(t, n, "/cluster/owners?key=alpha", &owners))
	assert.Equal(t, "alpha", owners.Key)
	assert.Equal(t, []cluster.NodeID{"A"}, owners.Read)

	assert.Equal(t, http.StatusBadRequest, mgmtGet(t, n, "/cluster/owners", nil))
	assert.Equal(t, http.StatusOK, mgmtGet(t, n, "/health", nil))

	var cfg struct {
		Node        string `json:"node"`
		NumSegments int    `json:"numSegments"`
		Store       string `json:"store"`
	}

	require.Equal(t, http.StatusOK, mgmtGet(t, n, "/config", &cfg))
	assert.Equal(t, "A", cfg.Node)
	assert.Equal(t, 16, cfg.NumSegments)
	assert.Equal(t, "none", cfg.Store)
}

func TestTopologyDoc_RoundTrip(t *testing.T) {
	cfg := testConfig("A", 2)
	planner := NewPlanner(cfg)

	stable, err := planner.Initial(3, []cluster.NodeID{"A", "B"})
	require.NoError(t, err)

	rebalance, err := planner.Rebalance(4, stable, []cluster.NodeID{"A", "B", "C"})
	require.NoError(t, err)

	doc := DescribeTopology(rebalance)
	assert.True(t, doc.Rebalance)

	back, err := doc.Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, rebalance.ID, back.ID)
	assert.Equal(t, rebalance.Members, back.Members)

	for s := range cfg.NumSegments {
		assert.Equal(t, rebalance.ReadCH.OwnersOf(s), back.ReadCH.OwnersOf(s))
		assert.Equal(t, rebalance.WriteCH.OwnersOf(s), back.WriteCH.OwnersOf(s))
	}

	assert.Equal(t, rebalance.SegmentFor("some-key"), back.SegmentFor("some-key"))
}

func TestGrid_OverHTTP(t *testing.T) {
	coord := NewLocalCoordinator(NewPlanner(testConfig("planner", 2)))
	nodes := map[cluster.NodeID]*Node{}

	for _, id := range []string{"A", "B"} {
		cfg := testConfig(id, 2)
		cfg.BindAddr = "127.0.0.1:0"

		n, err := NewNode(t.Context(), cfg, WithCoordinator(coord))
		require.NoError(t, err)
		require.NoError(t, n.Start(t.Context()))

		t.Cleanup(func() { _ = n.Stop(context.Background()) })

		nodes[n.ID()] = n
	}

	// ports are known only once the servers listen
	for _, n := range nodes {
		for _, peer := range nodes {
			n.Peers().Upsert(cluster.NewNode(string(peer.ID()), peer.Addr()))
		}
	}

	a, b := nodes["A"], nodes["B"]

	require.NoError(t, coord.Join(t.Context(), a))

	for _, key := range []string{"k1", "k2", "k3", "k4", "k5", "k6"} {
		require.NoError(t, a.Put(t.Context(), key, "v-"+key, 0))
	}

	require.NoError(t, coord.Join(t.Context(), b))

	ctx, cancel := context.WithTimeout(t.Context(), stableTimeout)
	defer cancel()

	require.NoError(t, coord.WaitStable(ctx))

	for _, key := range []string{"k1", "k2", "k3", "k4", "k5", "k6"} {
		got, ok, err := b.Get(t.Context(), key)
		require.NoError(t, err)
		require.True(t, ok, key)
		assert.Equal(t, "v-"+key, got)
	}

	st := b.Status()
	require.NotNil(t, st.Latency)
	assert.True(t, sumCounts(st.Latency.Counts["request-segments"]) > 0)
}

func sumCounts(buckets []uint64) uint64 {
	var total uint64
	for _, c := range buckets {
		total += c
	}

	return total
}
