package session

import (
	"context"
	"fmt"
	"time"

	"devlink/internal/events"
	"devlink/internal/wire"
)

type pendingResult struct {
	resp wire.Response
	err  error
}

// pendingRequest is inserted immediately before the wire write and removed
// exactly once: by a matching response, a timeout, or teardown. Whichever
// happens first wins; the others are no-ops.
type pendingRequest struct {
	id        wire.RequestID
	cmd       string
	createdAt time.Time
	done      chan pendingResult // buffered, capacity 1
}

// Request sends a command envelope and waits for the correlated response.
// The session must already be connected; this layer never connects
// implicitly. Responses may arrive out of send order; correctness relies
// only on correlation-id matching.
func (s *Session) Request(ctx context.Context, cmd string, payload any, timeout time.Duration) (wire.Response, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	s.mu.Lock()
	if s.state != events.ConnectionStateConnected {
		s.mu.Unlock()
		return wire.Response{}, ErrNotConnected
	}
	s.nextID++
	id := wire.RequestID(s.nextID)
	pr := &pendingRequest{
		id:        id,
		cmd:       cmd,
		createdAt: time.Now(),
		done:      make(chan pendingResult, 1),
	}
	s.pending[id] = pr
	s.mu.Unlock()

	raw, err := wire.EncodeRequest(wire.Request{RequestID: id, Cmd: cmd, Payload: payload})
	if err != nil {
		s.removePending(id)
		return wire.Response{}, err
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.tr.WriteFrame(wctx, raw); err != nil {
		s.removePending(id)
		return wire.Response{}, fmt.Errorf("send %q: %w", cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pr.done:
		return res.resp, res.err
	case <-timer.C:
		s.removePending(id)
		// The matching response may have settled between the timer firing
		// and the removal; prefer it over the timeout.
		select {
		case res := <-pr.done:
			return res.resp, res.err
		default:
		}
		s.logger.Warn("request timed out", "cmd", cmd, "request_id", uint64(id), "timeout", timeout)
		return wire.Response{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, cmd, timeout)
	case <-ctx.Done():
		s.removePending(id)
		select {
		case res := <-pr.done:
			return res.resp, res.err
		default:
		}
		return wire.Response{}, ctx.Err()
	}
}

// settle resolves the pending request matching a response. A response with
// no matching id indicates a protocol desync or a request that already
// timed out; it is logged and dropped without touching any other entry.
func (s *Session) settle(resp wire.Response) {
	s.mu.Lock()
	pr, ok := s.pending[resp.RequestID]
	if ok {
		delete(s.pending, resp.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping response with no pending request", "request_id", uint64(resp.RequestID))
		return
	}
	s.logger.Debug("request settled", "cmd", pr.cmd, "request_id", uint64(pr.id), "elapsed", time.Since(pr.createdAt))
	pr.done <- pendingResult{resp: resp}
}

func (s *Session) removePending(id wire.RequestID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failAllPending rejects every outstanding request so callers never hang
// past teardown.
func (s *Session) failAllPending(cause error) {
	s.mu.Lock()
	drained := make([]*pendingRequest, 0, len(s.pending))
	for id, pr := range s.pending {
		drained = append(drained, pr)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, pr := range drained {
		pr.done <- pendingResult{err: fmt.Errorf("%w: %s", cause, pr.cmd)}
	}
	if len(drained) > 0 {
		s.logger.Debug("rejected outstanding requests", "count", len(drained))
	}
}
