package hub

import (
	"fmt"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
)

// QueueSize is the maximum number of outbound packages buffered while the
// hub connection is down. Once full, the oldest queued package is dropped
// to make room for the newest one: a relay process that never stops
// accepting local probe data needs drop-oldest rather than backpressure.
const QueueSize = 100_000

// Queue is the bounded outbound buffer of packages awaiting delivery to the
// hub. It is safe for concurrent Enqueue calls from every probe session;
// Dequeue is intended for the single queue-drain goroutine.
type Queue struct {
	ch     chan *codec.Package
	logger *zap.Logger

	mu   sync.Mutex
	size int
	// head is the package currently handed to the drain loop — kept here,
	// not just as ensureWrite's local variable, so Dump can still persist
	// it if shutdown races an in-flight retry and it never makes it back
	// onto ch — spec.md §4.7.
	head *codec.Package
}

// NewQueue constructs an empty, ready-to-use Queue.
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{
		ch:     make(chan *codec.Package, QueueSize),
		logger: logger,
	}
}

// Enqueue adds pkg to the queue. If the queue is full, the oldest entry is
// dropped to make room, matching the reference implementation's
// "hub queue full; drop first in queue" behavior.
func (q *Queue) Enqueue(pkg *codec.Package) {
	select {
	case q.ch <- pkg:
		q.trackSize(1)
		return
	default:
	}

	if q.logger != nil {
		q.logger.Warn("hub queue full; drop first in queue")
	}
	select {
	case <-q.ch:
		q.trackSize(-1)
	default:
	}
	select {
	case q.ch <- pkg:
		q.trackSize(1)
	default:
		if q.logger != nil {
			q.logger.Error("failed to add package to hub queue")
		}
	}
}

func (q *Queue) trackSize(delta int) {
	q.mu.Lock()
	q.size += delta
	q.mu.Unlock()
}

// Dequeue blocks until a package is available or done is closed. The
// returned package is also kept as the queue's head until ClearHead is
// called, so Dump can still recover it if the caller never returns it to
// the queue (e.g. a shutdown that races an in-flight delivery retry).
func (q *Queue) Dequeue(done <-chan struct{}) (*codec.Package, bool) {
	select {
	case pkg := <-q.ch:
		q.trackSize(-1)
		q.mu.Lock()
		q.head = pkg
		q.mu.Unlock()
		return pkg, true
	case <-done:
		return nil, false
	}
}

// ClearHead marks the current head package as fully handled (delivered or
// definitively abandoned), so Dump no longer needs to persist it.
func (q *Queue) ClearHead() {
	q.mu.Lock()
	q.head = nil
	q.mu.Unlock()
}

// Len reports the approximate current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dump drains the queue and writes every pending package's wire
// representation to path, so a clean shutdown loses nothing. The head
// package (if any retry was still in flight when the drain loop stopped)
// is written first, ahead of the rest of the queue — spec.md §4.7. Called
// once at process exit.
func (q *Queue) Dump(path string) error {
	q.mu.Lock()
	head := q.head
	q.mu.Unlock()

	var frames [][]byte
	if head != nil {
		frames = append(frames, head.ToBytes())
	}
	for {
		select {
		case pkg := <-q.ch:
			q.trackSize(-1)
			frames = append(frames, pkg.ToBytes())
		default:
			b, err := msgpack.Marshal(frames)
			if err != nil {
				return fmt.Errorf("hub: marshal queue spill: %w", err)
			}
			if err := os.WriteFile(path, b, 0o600); err != nil {
				return fmt.Errorf("hub: write queue spill %s: %w", path, err)
			}
			if q.logger != nil {
				q.logger.Info("wrote queue to disk", zap.String("path", path), zap.Int("count", len(frames)))
			}
			return nil
		}
	}
}

// Load restores a previously dumped queue from path, if it exists, then
// removes the file. Frames beyond QueueSize are dropped with a log message
// rather than silently truncated without notice.
func (q *Queue) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if q.logger != nil {
				q.logger.Info("no queue file")
			}
			return nil
		}
		return fmt.Errorf("hub: read queue spill %s: %w", path, err)
	}

	var frames [][]byte
	if err := msgpack.Unmarshal(b, &frames); err != nil {
		if q.logger != nil {
			q.logger.Error("failed loading queue", zap.String("path", path), zap.Error(err))
		}
		return nil
	}

	dec := &codec.Decoder{}
	loaded := 0
	for i, frame := range frames {
		if i >= QueueSize {
			if q.logger != nil {
				q.logger.Warn("queue spill exceeds queue size; dropping remainder", zap.Int("dropped", len(frames)-QueueSize))
			}
			break
		}
		pkgs, decErr := dec.Feed(frame)
		if decErr != nil {
			continue
		}
		for _, pkg := range pkgs {
			q.ch <- pkg
			loaded++
		}
	}
	q.trackSize(loaded)

	if q.logger != nil {
		q.logger.Info("read package(s) for queue at startup", zap.Int("count", loaded))
	}

	if err := os.Remove(path); err != nil {
		if q.logger != nil {
			q.logger.Error("failed to remove queue spill", zap.String("path", path), zap.Error(err))
		}
	} else if q.logger != nil {
		q.logger.Info("removed queue file", zap.String("path", path))
	}
	return nil
}
