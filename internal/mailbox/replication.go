package mailbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"superpost/internal/model"
	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
	"superpost/pkg/metrics"
)

// maxRoundWait caps the pause between retry rounds while the peer is down.
const maxRoundWait = 30 * time.Second

type change struct {
	letter     *model.Letter
	enqueuedAt time.Time
}

// Replicated is a regional Store whose applied writes propagate to a peer
// region asynchronously. Reads are served locally only, so a region reads its
// own writes but sees the peer's writes only after they arrive.
//
// Propagated records go through the peer's own write rule. A late or
// duplicated replica therefore cannot regress a record the peer has already
// advanced.
//
// A change stays queued while the peer is unreachable. Each round retries it
// under the policy, then waits a capped, growing delay before the next round,
// until the peer applies or rejects it. Only a non-retryable error drops it.
type Replicated struct {
	local  Store
	peer   Store
	from   string
	to     string
	policy backoff.Policy
	logger *zap.Logger

	mu      sync.Mutex
	queue   []change
	closed  bool
	signal  chan struct{}
	pending int
}

// NewReplicated wires local to peer. Call Start to begin shipping changes;
// until then changes accumulate, which is how tests model a partition.
func NewReplicated(local, peer Store, from, to string, policy backoff.Policy, logger *zap.Logger) *Replicated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicated{
		local:  local,
		peer:   peer,
		from:   from,
		to:     to,
		policy: policy,
		logger: logger.With(zap.String("replication", from+"->"+to)),
		signal: make(chan struct{}, 1),
	}
}

func (r *Replicated) Get(ctx context.Context, letterID string) (*model.Letter, error) {
	return r.local.Get(ctx, letterID)
}

func (r *Replicated) Put(ctx context.Context, letter *model.Letter) (Outcome, error) {
	out, err := r.local.Put(ctx, letter)
	if err != nil || !out.Applied {
		return out, err
	}
	r.enqueue(out.Current)
	return out, nil
}

func (r *Replicated) enqueue(letter *model.Letter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("Replication closed, change dropped", zap.String("letter_id", letter.LetterID))
		return
	}
	r.pending++
	r.queue = append(r.queue, change{letter: letter.Clone(), enqueuedAt: time.Now()})
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Replicated) next() (change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return change{}, false
	}
	c := r.queue[0]
	r.queue[0] = change{}
	r.queue = r.queue[1:]
	return c, true
}

// Start ships queued changes until ctx is done or Close is called. After
// Close it keeps shipping what was queued until ctx is done. Changes still
// queued when ctx ends stay pending for a later Start.
func (r *Replicated) Start(ctx context.Context) {
	for {
		if c, ok := r.next(); ok {
			if !r.apply(ctx, c) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.signal:
			if !ok {
				r.drainRemaining(ctx)
				return
			}
		}
	}
}

func (r *Replicated) drainRemaining(ctx context.Context) {
	for {
		c, ok := r.next()
		if !ok {
			return
		}
		if !r.apply(ctx, c) {
			r.logger.Error("Replication stopped with changes queued", zap.Int("pending", r.Pending()))
			return
		}
	}
}

// apply ships c until the peer applies or rejects it. It returns false when
// ctx ends first; c is then back at the head of the queue.
func (r *Replicated) apply(ctx context.Context, c change) bool {
	for round := 0; ; round++ {
		attempts, err := backoff.Retry(ctx, r.policy, errkind.IsRetryable, func(int) error {
			_, err := r.peer.Put(ctx, c.letter)
			return err
		})
		if err == nil {
			metrics.RecordReplicationLag(r.from, r.to, time.Since(c.enqueuedAt))
			r.settle()
			return true
		}
		if !errkind.IsRetryable(err) {
			r.logger.Error("Replication rejected",
				zap.String("letter_id", c.letter.LetterID),
				zap.String("status", string(c.letter.Status)),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			r.settle()
			return true
		}

		wait := r.policy.Delay(round)
		if wait > maxRoundWait {
			wait = maxRoundWait
		}
		r.logger.Warn("Peer unreachable, change kept",
			zap.String("letter_id", c.letter.LetterID),
			zap.Int("round", round+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if backoff.SleepWithContext(ctx, wait) != nil {
			r.requeue(c)
			return false
		}
	}
}

func (r *Replicated) settle() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

func (r *Replicated) requeue(c change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append([]change{c}, r.queue...)
}

// Drain blocks until every change enqueued so far has been applied by the
// peer or rejected by it.
func (r *Replicated) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending returns the number of changes not yet applied to the peer.
func (r *Replicated) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Close stops accepting changes. Start ships what is queued and returns.
func (r *Replicated) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.signal)
}
