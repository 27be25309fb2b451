// Package comm implements the collective operations every ADMM worker uses
// to stay in lock-step: Barrier and AllReduce, both built as synchronous
// NATS request/response rendezvous through a rank-0 aggregator subject, per
// the "every worker reaches every collective in the same order" concurrency
// rule. Size and Rank come from internal/registry's bootstrap, not from
// here — this package only coordinates once every worker already knows its
// place in the run.
package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gridcoord/scuc/pkg/messaging"
)

// Coordinator performs collective operations across the workers of one run.
// Exactly one Coordinator per worker process; rank 0's Coordinator also acts
// as the aggregator for every collective this run performs.
type Coordinator struct {
	client *messaging.Client
	rank   int
	size   int
	runID  string
	timeout time.Duration

	mu        sync.Mutex
	barriers  map[int]*collectiveState // generation -> state
	reductions map[string]*collectiveState
	nextBarrierGen int
}

type collectiveState struct {
	arrived map[int]bool
	pending map[int]*nats.Msg // rank -> request message awaiting reply (rank 0 excluded)
	values  map[int][]float64 // per-rank contribution, for AllReduce
	op      string            // opSum or opMax; set by whichever rank arrives first
	result  []float64         // reduced AllReduce result, set once complete
	done    chan struct{}
}

func newCollectiveState() *collectiveState {
	return &collectiveState{
		arrived: make(map[int]bool),
		pending: make(map[int]*nats.Msg),
		values:  make(map[int][]float64),
		done:    make(chan struct{}),
	}
}

// New builds a Coordinator. Only the rank-0 process should ever construct
// one with rank==0 for a given runID; every other rank sends its collective
// requests to rank 0's subjects.
func New(client *messaging.Client, rank, size int, runID string, timeout time.Duration) (*Coordinator, error) {
	c := &Coordinator{
		client:     client,
		rank:       rank,
		size:       size,
		runID:      runID,
		timeout:    timeout,
		barriers:   make(map[int]*collectiveState),
		reductions: make(map[string]*collectiveState),
	}

	if rank == 0 {
		if err := client.Subscribe(c.barrierSubject(), c.handleBarrierRequest); err != nil {
			return nil, fmt.Errorf("comm: subscribe barrier: %w", err)
		}
		if err := client.Subscribe(c.allReduceSubject(), c.handleAllReduceRequest); err != nil {
			return nil, fmt.Errorf("comm: subscribe allreduce: %w", err)
		}
	}

	return c, nil
}

// Size returns the total number of workers in this run.
func (c *Coordinator) Size() int { return c.size }

// Rank returns this worker's 0-based rank.
func (c *Coordinator) Rank() int { return c.rank }

func (c *Coordinator) barrierSubject() string {
	return fmt.Sprintf("scuc.%s.barrier", c.runID)
}

func (c *Coordinator) allReduceSubject() string {
	return fmt.Sprintf("scuc.%s.allreduce", c.runID)
}

type barrierRequest struct {
	Rank       int `json:"rank"`
	Generation int `json:"generation"`
}

type allReduceRequest struct {
	Rank int       `json:"rank"`
	Tag  string    `json:"tag"`
	Op   string    `json:"op"`
	Vals []float64 `json:"vals"`
}

const (
	opSum = "sum"
	opMax = "max"
)

// Barrier blocks every worker until all Size() workers have called Barrier
// with the same generation. Generations advance monotonically per worker so
// a straggler can never rejoin a barrier the rest of the run already passed.
func (c *Coordinator) Barrier(ctx context.Context) error {
	c.mu.Lock()
	gen := c.nextBarrierGen
	c.nextBarrierGen++
	c.mu.Unlock()

	if c.rank == 0 {
		return c.rank0AwaitBarrier(ctx, gen, true)
	}

	req := barrierRequest{Rank: c.rank, Generation: gen}
	_, err := c.client.Request(ctx, c.barrierSubject(), req, c.timeout)
	if err != nil {
		return fmt.Errorf("comm: barrier request (rank %d, gen %d): %w", c.rank, gen, err)
	}
	return nil
}

func (c *Coordinator) rank0AwaitBarrier(ctx context.Context, gen int, selfArrived bool) error {
	c.mu.Lock()
	state, ok := c.barriers[gen]
	if !ok {
		state = newCollectiveState()
		c.barriers[gen] = state
	}
	if selfArrived {
		state.arrived[0] = true
		c.releaseBarrierIfComplete(gen, state)
	}
	c.mu.Unlock()

	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("comm: barrier gen %d timed out waiting for peers: %w", gen, ctx.Err())
	}
}

func (c *Coordinator) handleBarrierRequest(msg *nats.Msg) {
	var req barrierRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}

	c.mu.Lock()
	state, ok := c.barriers[req.Generation]
	if !ok {
		state = newCollectiveState()
		c.barriers[req.Generation] = state
	}
	state.arrived[req.Rank] = true
	state.pending[req.Rank] = msg
	c.releaseBarrierIfComplete(req.Generation, state)
	c.mu.Unlock()
}

// releaseBarrierIfComplete must be called with c.mu held.
func (c *Coordinator) releaseBarrierIfComplete(gen int, state *collectiveState) {
	if len(state.arrived) < c.size {
		return
	}
	for _, msg := range state.pending {
		msg.Respond([]byte(`{"ok":true}`))
	}
	delete(c.barriers, gen)
	close(state.done)
}

// AllReduce sums local across every worker's contribution for the given tag
// and returns the sum, identically on every worker. Distinct tags run
// independently, so a worker never needs a barrier between unrelated
// reductions in the same round.
func (c *Coordinator) AllReduce(ctx context.Context, tag string, local []float64) ([]float64, error) {
	return c.allReduce(ctx, tag, opSum, local)
}

// AllReduceMax is AllReduce with element-wise max in place of sum, used for
// the per-iteration solve-time reduction spec.md §4.5 describes.
func (c *Coordinator) AllReduceMax(ctx context.Context, tag string, local []float64) ([]float64, error) {
	return c.allReduce(ctx, tag, opMax, local)
}

func (c *Coordinator) allReduce(ctx context.Context, tag, op string, local []float64) ([]float64, error) {
	if c.rank == 0 {
		return c.rank0AwaitAllReduce(ctx, tag, op, local)
	}

	req := allReduceRequest{Rank: c.rank, Tag: tag, Op: op, Vals: local}
	msg, err := c.client.Request(ctx, c.allReduceSubject(), req, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("comm: allreduce request (rank %d, tag %s): %w", c.rank, tag, err)
	}
	var sum []float64
	if err := json.Unmarshal(msg.Data, &sum); err != nil {
		return nil, fmt.Errorf("comm: allreduce decode reply: %w", err)
	}
	return sum, nil
}

func (c *Coordinator) rank0AwaitAllReduce(ctx context.Context, tag, op string, local []float64) ([]float64, error) {
	c.mu.Lock()
	state, ok := c.reductions[tag]
	if !ok {
		state = newCollectiveState()
		c.reductions[tag] = state
	}
	state.op = op
	state.arrived[0] = true
	state.values[0] = local
	c.releaseAllReduceIfComplete(tag, state)
	c.mu.Unlock()

	select {
	case <-state.done:
		c.mu.Lock()
		result := state.result
		c.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("comm: allreduce tag %s timed out waiting for peers: %w", tag, ctx.Err())
	}
}

func (c *Coordinator) handleAllReduceRequest(msg *nats.Msg) {
	var req allReduceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}

	c.mu.Lock()
	state, ok := c.reductions[req.Tag]
	if !ok {
		state = newCollectiveState()
		c.reductions[req.Tag] = state
	}
	state.op = req.Op
	state.arrived[req.Rank] = true
	state.values[req.Rank] = req.Vals
	state.pending[req.Rank] = msg
	c.releaseAllReduceIfComplete(req.Tag, state)
	c.mu.Unlock()
}

// releaseAllReduceIfComplete must be called with c.mu held.
func (c *Coordinator) releaseAllReduceIfComplete(tag string, state *collectiveState) {
	if len(state.arrived) < c.size {
		return
	}

	var length int
	for _, v := range state.values {
		if len(v) > length {
			length = len(v)
		}
	}
	result := make([]float64, length)
	if state.op == opMax {
		for i := range result {
			result[i] = math.Inf(-1)
		}
		for _, v := range state.values {
			for i, x := range v {
				if x > result[i] {
					result[i] = x
				}
			}
		}
	} else {
		for _, v := range state.values {
			for i, x := range v {
				result[i] += x
			}
		}
	}
	state.result = result

	payload, _ := json.Marshal(result)
	for _, msg := range state.pending {
		msg.Respond(payload)
	}
	delete(c.reductions, tag)
	close(state.done)
}

// AllReduceInPlace is AllReduce for callers that want the summed values
// written back into local rather than returned separately, matching the
// mutate-in-place idiom the ADMM loop uses for its consensus variables.
func (c *Coordinator) AllReduceInPlace(ctx context.Context, tag string, local []float64) error {
	sum, err := c.AllReduce(ctx, tag, local)
	if err != nil {
		return err
	}
	copy(local, sum)
	return nil
}
