package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/types"
	"github.com/lognorman20/dask/pkg/wire"
)

func drain(t *testing.T, q <-chan wire.ClientNotification) wire.ClientNotification {
	t.Helper()
	select {
	case n := <-q:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client notification")
		return wire.ClientNotification{}
	}
}

// TestLinearChainRunsToCompletion covers S1: a -> b -> c submitted by
// one client runs end to end and the client is told each key landed
// in memory.
func TestLinearChainRunsToCompletion(t *testing.T) {
	e := New(graph.New())
	q := e.AddClient("client-1")
	assert.NotNil(t, drain(t, q).StreamStart)

	require.NoError(t, e.UpdateGraph(wire.UpdateGraph{
		Client: "client-1",
		Tasks: map[types.Key]types.Payload{
			"a": {Function: []byte("f")},
			"b": {Function: []byte("f")},
			"c": {Function: []byte("f")},
		},
		Dependencies: map[types.Key][]types.Key{
			"b": {"a"},
			"c": {"b"},
		},
		Keys: []types.Key{"c"},
	}))

	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 1})

	dispatched := e.Dispatch()
	require.Len(t, dispatched, 1)
	assert.Equal(t, types.Key("a"), dispatched[0].Key)

	// "a" and "b" aren't directly wanted by the client, so finishing
	// them sends no KeyInMemory notification — only "c" is.
	e.MarkTaskFinished(wire.TaskFinished{Key: "a", Worker: "w1:1", NBytes: 10})

	dispatched = e.Dispatch()
	require.Len(t, dispatched, 1)
	assert.Equal(t, types.Key("b"), dispatched[0].Key)

	e.MarkTaskFinished(wire.TaskFinished{Key: "b", Worker: "w1:1", NBytes: 10})
	dispatched = e.Dispatch()
	require.Len(t, dispatched, 1)
	assert.Equal(t, types.Key("c"), dispatched[0].Key)

	e.MarkTaskFinished(wire.TaskFinished{Key: "c", Worker: "w1:1", NBytes: 10})
	n := drain(t, q)
	require.NotNil(t, n.KeyInMemory)
	assert.Equal(t, types.Key("c"), n.KeyInMemory.Key)

	require.NoError(t, e.Graph.Validate())
}

// TestWorkerLossRestartsProcessingWork covers S2: a worker with keys in
// processing disappears and those keys return to ready.
func TestWorkerLossRestartsProcessingWork(t *testing.T) {
	e := New(graph.New())
	e.AddClient("client-1")
	require.NoError(t, e.UpdateGraph(wire.UpdateGraph{
		Client: "client-1",
		Tasks: map[types.Key]types.Payload{
			"x": {}, "y": {},
		},
		Keys: []types.Key{"x", "y"},
	}))
	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 2})

	dispatched := e.Dispatch()
	require.Len(t, dispatched, 2)

	e.RemoveWorker("w1:1")
	require.NoError(t, e.Graph.Validate())

	e.AddWorker(wire.AddWorker{Address: "w2:1", NCores: 2})
	dispatched = e.Dispatch()
	assert.Len(t, dispatched, 2)
}

// TestTaskErredPropagatesToDescendants covers S3.
func TestTaskErredPropagatesToDescendants(t *testing.T) {
	e := New(graph.New())
	q := e.AddClient("client-1")
	drain(t, q)

	require.NoError(t, e.UpdateGraph(wire.UpdateGraph{
		Client: "client-1",
		Tasks: map[types.Key]types.Payload{
			"a": {}, "b": {}, "c": {},
		},
		Dependencies: map[types.Key][]types.Key{
			"b": {"a"},
			"c": {"b"},
		},
		Keys: []types.Key{"c"},
	}))
	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 1})
	e.Dispatch()

	e.MarkTaskErred(wire.TaskErred{Key: "a", Worker: "w1:1", Exception: "boom"})

	// The client only asked for "c"; it learns "c" failed, carrying
	// the root cause that actually happened on "a".
	n := drain(t, q)
	require.NotNil(t, n.TaskErred)
	assert.Equal(t, types.Key("c"), n.TaskErred.Key)
	assert.Equal(t, "boom", n.TaskErred.Exception)

	_, erred := e.Graph.Erred("b")
	assert.True(t, erred)
	_, erred = e.Graph.Erred("c")
	assert.True(t, erred)

	require.NoError(t, e.Graph.Validate())
}

// TestMissingDataRecomputesDependents covers S4: a result vanishes
// from a worker and the key is restored to the pipeline.
func TestMissingDataRecomputesDependents(t *testing.T) {
	e := New(graph.New())
	e.AddClient("client-1")
	require.NoError(t, e.UpdateGraph(wire.UpdateGraph{
		Client: "client-1",
		Tasks: map[types.Key]types.Payload{
			"a": {}, "b": {},
		},
		Dependencies: map[types.Key][]types.Key{"b": {"a"}},
		Keys:         []types.Key{"b"},
	}))
	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 1})
	e.Dispatch()
	e.MarkTaskFinished(wire.TaskFinished{Key: "a", Worker: "w1:1", NBytes: 5})

	e.MarkMissingData([]types.Key{"a"})

	assert.True(t, e.Graph.IsWaiting("b"))
	assert.False(t, e.Graph.InWhoHas("a"))
	require.NoError(t, e.Graph.Validate())
}

// TestUpdateGraphRejectsImpossibleHardRestriction covers S5.
func TestUpdateGraphRejectsImpossibleHardRestriction(t *testing.T) {
	e := New(graph.New())
	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 1})

	err := e.UpdateGraph(wire.UpdateGraph{
		Client: "client-1",
		Tasks:  map[types.Key]types.Payload{"x": {}},
		Keys:   []types.Key{"x"},
		Restrictions: map[types.Key][]string{
			"x": {"nonexistent-host"},
		},
	})
	assert.Error(t, err)
}

// TestRemoveClientReleasesUnwantedKeys covers the add_client/
// remove_client release semantics supplemented from original_source.
func TestRemoveClientReleasesUnwantedKeys(t *testing.T) {
	e := New(graph.New())
	e.AddClient("client-1")
	require.NoError(t, e.UpdateGraph(wire.UpdateGraph{
		Client: "client-1",
		Tasks:  map[types.Key]types.Payload{"x": {}},
		Keys:   []types.Key{"x"},
	}))
	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 1})
	e.Dispatch()
	e.MarkTaskFinished(wire.TaskFinished{Key: "x", Worker: "w1:1", NBytes: 1})

	e.RemoveClient("client-1")

	assert.True(t, e.Graph.IsReleased("x"))
}

// TestRetireWorkerLeavesProcessingUntouched exercises the graceful
// drain path: stacked work moves back to ready but a key mid-flight in
// processing is left for the worker to finish.
func TestRetireWorkerLeavesProcessingUntouched(t *testing.T) {
	e := New(graph.New())
	e.AddWorker(wire.AddWorker{Address: "w1:1", NCores: 1})
	e.Graph.SetTask("x", types.Payload{})
	e.Graph.PushStack("w1:1", "x")
	_, _ = e.Graph.PopStack("w1:1")
	e.Graph.AddProcessing("w1:1", "x")

	e.RetireWorker("w1:1")

	assert.True(t, e.Graph.Processing("w1:1")["x"])
}
