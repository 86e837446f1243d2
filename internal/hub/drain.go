package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/session"
)

// drainLoop repeatedly pulls the next queued package and ensures it is
// delivered before moving on to the next one — matching
// client.py's _empty_queue_loop/_ensure_write_pkg pairing. The queue is a
// strict FIFO of "current" packages: nothing new is dequeued until the
// current one either succeeds, is rejected by the hub, or is given up on.
func (c *Client) drainLoop(ctx context.Context) {
	done := ctx.Done()
	for {
		pkg, ok := c.queue.Dequeue(done)
		if !ok {
			return
		}
		if c.ensureWrite(ctx, pkg) {
			c.queue.ClearHead()
		}
		// else: ensureWrite bailed out because ctx was cancelled mid-retry.
		// Leave the head in place so Dump (called after this loop exits)
		// still persists it.
	}
}

// ensureWrite wraps pkg as a PROTO_REQ_DATA frame and retries delivery once
// per second for as long as it takes, subject to two escape hatches:
//   - maxConsecutiveErrors request timeouts in a row force a reconnect
//     (the hub session is presumed wedged) and keep retrying the same
//     package against the new session;
//   - maxConsecutiveErrors non-timeout errors in a row give up on this
//     package entirely, logging and moving on.
// A PROTO_RES_ERR from the hub is a definitive rejection: log and move on
// immediately, no retry.
//
// The returned bool reports whether pkg reached a terminal outcome
// (delivered, rejected by the hub, or abandoned after too many errors): a
// false return means ensureWrite gave up only because ctx was cancelled
// mid-retry, in which case the caller must not treat pkg as handled — it
// is still the queue's head and needs to survive into the shutdown spill
// (spec.md §4.7).
func (c *Client) ensureWrite(ctx context.Context, pkg *codec.Package) bool {
	reqPkg, err := codec.Make(ReqData, 0, pkg.PartID, pkg.Body, true)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to encode queued package", zap.Error(err))
		}
		return true
	}

	timeoutCount := 0
	errCount := 0

	for {
		if ctx.Err() != nil {
			return false
		}

		c.mu.RLock()
		sess := c.sess
		c.mu.RUnlock()

		if sess == nil || sess.IsClosed() {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(ensureWriteRetry):
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, ensureWriteTimeout)
		_, err := sess.Request(reqCtx, reqPkg, ensureWriteTimeout)
		cancel()

		if err == nil {
			if c.logger != nil {
				c.logger.Debug("successfully send data to hub")
			}
			return true
		}

		var peerErr *session.PeerError
		if errors.As(err, &peerErr) {
			if c.logger != nil {
				c.logger.Error("error from hub", zap.Error(peerErr))
			}
			return true
		}

		if errors.Is(err, session.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			if c.logger != nil {
				c.logger.Error("request to hub timed out", zap.Error(err))
			}
			timeoutCount++
			errCount = 0
			if timeoutCount%maxConsecutiveErrors == 0 {
				if c.logger != nil {
					c.logger.Warn("too many request timeout errors; forcing a re-connect")
				}
				c.closeSession()
			}
		} else {
			if c.logger != nil {
				c.logger.Error("error sending to hub", zap.Error(err))
			}
			errCount++
			timeoutCount = 0
			if errCount%maxConsecutiveErrors == 0 {
				if c.logger != nil {
					c.logger.Error("too many errors; skip this request")
				}
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(ensureWriteRetry):
		}
	}
}
