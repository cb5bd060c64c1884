// Package wire defines the typed message contract between clients,
// workers, and the scheduler core (spec §6). Physical transport
// (sockets, framing, serialization of these messages) is an external
// collaborator's concern and out of scope for this repository; these
// types are what a transport layer would decode into and what
// pkg/engine consumes directly off Go channels.
package wire

import (
	"time"

	"github.com/lognorman20/dask/pkg/types"
)

// ClientMessage is anything a client session can send the scheduler.
// Exactly one of the embedded fields is non-nil, mirroring the
// original protocol's `{op: ...}` map-with-a-tag-field shape (see
// pkg/manager/fsm.go's Command{Op, Data} in the teacher repo, which
// this generalizes from a persisted Raft command to a live event).
type ClientMessage struct {
	RegisterClient *RegisterClient
	UpdateGraph    *UpdateGraph
	MissingData    *MissingDataMsg
	CloseStream    *CloseStream
	Close          *CloseScheduler
	Feed           *FeedRequest
}

// RegisterClient begins a client session. Reply, if non-nil, receives
// the client's report queue once registration completes — the
// request/reply-over-channel idiom that keeps the engine the sole
// writer of scheduler state (spec §5).
type RegisterClient struct {
	Client types.ClientID
	Reply  chan<- (<-chan ClientNotification)
}

// UpdateGraph submits (a fragment of) a task graph.
type UpdateGraph struct {
	Client            types.ClientID
	Tasks             map[types.Key]types.Payload
	Dependencies      map[types.Key][]types.Key
	Keys              []types.Key // keys the client wants retained
	Restrictions      map[types.Key][]string
	LooseRestrictions map[types.Key]bool
}

// MissingDataMsg reports that a client (or worker) lost a previously
// delivered result and needs it recomputed.
type MissingDataMsg struct {
	Missing []types.Key
}

// CloseStream requests a graceful end to a client session.
type CloseStream struct {
	Client types.ClientID
}

// CloseScheduler requests scheduler shutdown.
type CloseScheduler struct{}

// FeedRequest subscribes to periodic scheduler samples. Setup/Sample/
// Teardown are named sampler identifiers rather than arbitrary
// serialized callables — spec design notes restrict feed functions to
// trusted, predefined samplers outside trusted contexts.
type FeedRequest struct {
	Client   types.ClientID
	Setup    string
	Sample   string
	Teardown string
	Interval time.Duration
	Reply    chan<- (<-chan FeedSample)
}

// FeedSample is one periodic sample delivered to a feed subscriber.
type FeedSample struct {
	Name  string
	Value interface{}
}

// WorkerMessage is anything a worker can send the scheduler.
type WorkerMessage struct {
	AddWorker    *AddWorker
	RemoveWorker *RemoveWorker
	TaskFinished *TaskFinished
	TaskErred    *TaskErred
	AddKeys      *AddKeys
	RemoveKeys   *RemoveKeys
	Heartbeat    *Heartbeat
}

// AddWorker registers a new worker, optionally with keys it already
// holds (used for the allow_overlap add_worker path, §4.A).
type AddWorker struct {
	Address types.WorkerAddress
	NCores  int
	Keys    []types.Key
}

// RemoveWorker reports worker loss. Graceful is true for a voluntary
// drain (pkg/lifecycle.RetireWorker), false for an unexpected loss.
type RemoveWorker struct {
	Address  types.WorkerAddress
	Graceful bool
}

// TaskFinished reports successful completion.
type TaskFinished struct {
	Key     types.Key
	Worker  types.WorkerAddress
	NBytes  int64
	TypeStr string
}

// TaskErred reports a task failure.
type TaskErred struct {
	Key       types.Key
	Worker    types.WorkerAddress
	Exception string
	Traceback []byte
}

// AddKeys reports that a worker holds additional keys (including the
// open-question case of a task-finished for a key never assigned,
// which the engine treats as AddKeys for that key).
type AddKeys struct {
	Worker types.WorkerAddress
	Keys   []types.Key
}

// RemoveKeys reports that a worker no longer holds certain keys.
type RemoveKeys struct {
	Worker types.WorkerAddress
	Keys   []types.Key
}

// Heartbeat is a liveness ping; it carries no state changes.
type Heartbeat struct {
	Worker types.WorkerAddress
}

// ClientNotification is anything the scheduler sends back to a
// client's report queue.
type ClientNotification struct {
	StreamStart  *StreamStart
	KeyInMemory  *KeyInMemory
	TaskErred    *ClientTaskErred
	LostData     *LostData
	StreamClosed *StreamClosed
}

type StreamStart struct{}

type KeyInMemory struct {
	Key     types.Key
	TypeStr string
	Workers []types.WorkerAddress
}

type ClientTaskErred struct {
	Key       types.Key
	Exception string
	Traceback []byte
}

type LostData struct {
	Key types.Key
}

type StreamClosed struct{}

// ComputeTask is what the scheduler hands a worker: the dispatch
// output of §4.E's dispatch step.
type ComputeTask struct {
	Key     types.Key
	Payload types.Payload
	WhoHas  map[types.Key][]types.WorkerAddress
}
