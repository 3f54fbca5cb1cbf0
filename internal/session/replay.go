package session

import (
	"sync"
	"sync/atomic"

	"termgateway/internal/ptyproc"
)

const (
	replayMaxFrames = 4096
	replayMaxBytes  = 4 << 20 // 4 MiB

	broadcastReadBufSize = 8192
)

// OutputFrame is one sequenced chunk of PTY output, shared between the
// replay buffer and whichever connection currently holds the session's
// subscription.
type OutputFrame struct {
	Seq     uint64
	Payload []byte
}

// ReplayBuffer is a ring buffer of recently produced PTY output, capped by
// both frame count and total bytes, whichever is hit first. It lives on the
// Session rather than any one connection so a client that reconnects after
// a network blip can resume from its last acknowledged sequence number
// instead of losing output.
type ReplayBuffer struct {
	mu sync.Mutex

	frames    []OutputFrame
	totalSize int64

	maxFrames int
	maxBytes  int64
}

func newReplayBuffer(maxFrames int, maxBytes int64) *ReplayBuffer {
	return &ReplayBuffer{
		frames:    make([]OutputFrame, 0, maxFrames),
		maxFrames: maxFrames,
		maxBytes:  maxBytes,
	}
}

// Append records a newly produced frame, evicting the oldest frames first if
// either cap would be exceeded.
func (b *ReplayBuffer) Append(seq uint64, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)

	b.frames = append(b.frames, OutputFrame{Seq: seq, Payload: cp})
	b.totalSize += int64(len(cp))

	for (b.maxFrames > 0 && len(b.frames) > b.maxFrames) || (b.maxBytes > 0 && b.totalSize > b.maxBytes) {
		evicted := b.frames[0]
		b.frames = b.frames[1:]
		b.totalSize -= int64(len(evicted.Payload))
	}
}

// Since returns every buffered frame with a sequence number strictly greater
// than lastAcked, oldest first. The bool reports whether the buffer could
// satisfy the request at all — false means the watermark is older than
// anything still retained, and the caller must resume without backfill
// rather than silently skip output.
func (b *ReplayBuffer) Since(lastAcked uint64) ([]OutputFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, lastAcked == 0
	}
	if b.frames[0].Seq > lastAcked+1 {
		return nil, false
	}

	out := make([]OutputFrame, 0, len(b.frames))
	for _, f := range b.frames {
		if f.Seq > lastAcked {
			out = append(out, f)
		}
	}
	return out, true
}

// Trim discards frames up to and including ackedSeq, once the client has
// confirmed receipt and they no longer need to be retained for replay.
func (b *ReplayBuffer) Trim(ackedSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.frames) && b.frames[i].Seq <= ackedSeq {
		b.totalSize -= int64(len(b.frames[i].Payload))
		i++
	}
	b.frames = b.frames[i:]
}

// broadcastLoop reads PTY output for the lifetime of the attached process,
// independent of any one WebSocket connection. Every chunk is appended to
// the replay buffer unconditionally; it is additionally forwarded to the
// current subscriber, if any, which is how a live connection gets true
// backpressure while a disconnected session keeps accumulating scrollback.
func (s *Session) broadcastLoop(proc *ptyproc.Handle) {
	buf := make([]byte, broadcastReadBufSize)
	for {
		n, err := proc.Reader().Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		seq := atomic.AddUint64(&s.nextSeq, 1)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.Replay.Append(seq, payload)

		s.mu.Lock()
		sub := s.subscriber
		s.mu.Unlock()
		if sub == nil {
			continue
		}

		s.sendOrDropOldest(sub, OutputFrame{Seq: seq, Payload: payload})
	}
}

// sendOrDropOldest forwards frame to sub without ever blocking the
// broadcast loop: if the subscriber's queue is already full, the oldest
// queued frame is evicted to make room, favoring fresh output over output a
// client that has fallen behind would see stale anyway. Every eviction is
// recorded via incDrop.
func (s *Session) sendOrDropOldest(sub chan OutputFrame, frame OutputFrame) {
	select {
	case sub <- frame:
		return
	default:
	}

	select {
	case <-sub:
		s.incDrop()
	default:
	}

	select {
	case sub <- frame:
	default:
		// broadcastLoop is the only sender on sub, so the slot freed above
		// is normally still free; if not, drop the new frame instead of
		// spinning.
		s.incDrop()
	}
}

// Subscribe registers the calling connection as the session's sole output
// consumer, returning the channel it will receive frames on. A session has
// at most one subscriber at a time; a prior one should have called
// Unsubscribe before a new one subscribes (the gateway enforces this by
// construction — a session only ever has one live connection attached).
func (s *Session) Subscribe() chan OutputFrame {
	ch := make(chan OutputFrame, outputChanCapacity)
	s.mu.Lock()
	s.subscriber = ch
	s.overflow = make(chan struct{}, 1)
	s.mu.Unlock()
	atomic.StoreUint64(&s.dropCount, 0)
	return ch
}

// Unsubscribe detaches ch as the session's output consumer and closes it.
// It is safe to call more than once; only the call that actually matches the
// current subscriber has any effect.
func (s *Session) Unsubscribe(ch chan OutputFrame) {
	s.mu.Lock()
	if s.subscriber == ch {
		s.subscriber = nil
		close(ch)
	}
	s.mu.Unlock()
}

const outputChanCapacity = 256
