package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/wire"
)

// maxBatch caps the operations carried by one ops frame.
const maxBatch = 256

// Run connects and keeps the session connected until ctx is cancelled or
// Close is called, reconnecting with jittered exponential backoff. It
// returns ctx's error, or nil after Close. Run may be called again after it
// returns; the replica, history and presence carry over.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.setState(Disconnected)
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		close(done)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.minBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := s.connect(runCtx, b)
		if runCtx.Err() != nil {
			return ctx.Err()
		}
		s.setState(Disconnected)
		delay := b.NextBackOff()
		s.logger.Warn("connection lost", "error", err, "retry_in", delay, "pending", s.log.Len())

		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close stops network IO and waits for Run to return. The document, undo
// history and presence state are left intact.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// connect runs one connection: dial, handshake, then the live loop.
func (s *Session) connect(ctx context.Context, b backoff.BackOff) error {
	s.setState(Connecting)
	conn, err := s.dialer.Dial(ctx, s.doc.ID(), s.doc.ClientID())
	if err != nil {
		return err
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	frames := make(chan wire.Frame, 64)
	errc := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(connCtx, conn, frames, errc)
	}()
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	s.setState(Syncing)
	hello := wire.Frame{Type: wire.FrameHello, DocID: s.doc.ID(), ClientID: s.doc.ClientID(), Summary: s.doc.Summary()}
	if err := conn.Send(ctx, hello); err != nil {
		return err
	}
	sent, err := s.awaitSync(ctx, frames, errc)
	if err != nil {
		return err
	}

	s.drainControl()
	s.setState(Live)
	b.Reset()

	if err := s.push(ctx, conn, &sent); err != nil {
		return err
	}
	if err := conn.Send(ctx, s.presenceFrame(s.presence.Heartbeat())); err != nil {
		return err
	}
	return s.live(ctx, conn, frames, errc, sent)
}

func (s *Session) readLoop(ctx context.Context, conn Conn, frames chan<- wire.Frame, errc chan<- error) {
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			if ir.IsMalformed(err) {
				s.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			errc <- err
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// awaitSync waits for the relay's sync reply, applies it and returns the
// relay's clock for this client: everything after it must be pushed.
func (s *Session) awaitSync(ctx context.Context, frames <-chan wire.Frame, errc <-chan error) (int64, error) {
	timer := time.NewTimer(s.syncTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case err := <-errc:
			return 0, err
		case <-timer.C:
			return 0, ir.NewTransportError(s.doc.ID(), "sync", fmt.Errorf("no reply within %s", s.syncTimeout))
		case f := <-frames:
			if f.Type != wire.FrameSync {
				s.handle(f)
				continue
			}
			if err := s.applySync(f); err != nil {
				return 0, err
			}
			relayClock := f.Summary[s.doc.ClientID()]
			s.log.Ack(relayClock)
			return relayClock, nil
		}
	}
}

// applySync merges the relay's delta. A full state replaces the replica;
// local operations the relay has not seen are re-applied on top.
func (s *Session) applySync(f wire.Frame) error {
	if len(f.State) > 0 {
		s.editMu.Lock()
		defer s.editMu.Unlock()
		pending := s.log.Pending()
		if err := s.doc.Hydrate(f.State); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if err := s.doc.ApplyAll(pending); err != nil {
			s.logger.Warn("re-applying local operations", "error", err)
		}
	}
	if len(f.Ops) > 0 {
		if err := s.doc.ApplyAll(f.Ops); err != nil {
			s.logger.Warn("applying sync delta", "error", err)
		}
	}
	s.logger.Info("synced", "delta", len(f.Ops), "full_state", len(f.State) > 0)
	return nil
}

func (s *Session) live(ctx context.Context, conn Conn, frames <-chan wire.Frame, errc <-chan error, sent int64) error {
	heartbeat := time.NewTicker(s.presence.Interval())
	defer heartbeat.Stop()
	throttle := time.NewTicker(s.presence.Throttle())
	defer throttle.Stop()

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := conn.Send(leaveCtx, wire.Frame{Type: wire.FrameLeave, DocID: s.doc.ID(), ClientID: s.doc.ClientID()}); err != nil {
				s.logger.Debug("send leave failed", "error", err)
			}
			cancel()
			return ctx.Err()
		case err := <-errc:
			return err
		case f := <-frames:
			s.handle(f)
		case <-s.kick:
			if err := s.push(ctx, conn, &sent); err != nil {
				return err
			}
		case f := <-s.control:
			if err := conn.Send(ctx, f); err != nil {
				return err
			}
		case <-heartbeat.C:
			s.presence.Sweep()
			if err := conn.Send(ctx, s.presenceFrame(s.presence.Heartbeat())); err != nil {
				return err
			}
		case <-throttle.C:
			if p, ok := s.presence.TakeCursorUpdate(); ok {
				if err := conn.Send(ctx, s.presenceFrame(p)); err != nil {
					return err
				}
			}
		}
	}
}

// push sends the logged operations after *sent in generation order.
func (s *Session) push(ctx context.Context, conn Conn, sent *int64) error {
	ops := s.log.Since(*sent)
	for len(ops) > 0 {
		n := min(len(ops), maxBatch)
		batch := ops[:n]
		if err := conn.Send(ctx, wire.Frame{Type: wire.FrameOps, DocID: s.doc.ID(), Ops: batch}); err != nil {
			return err
		}
		*sent = batch[n-1].Clock
		ops = ops[n:]
	}
	return nil
}

// handle applies one frame received while syncing or live.
func (s *Session) handle(f wire.Frame) {
	switch f.Type {
	case wire.FrameOps:
		if err := s.doc.ApplyAll(f.Ops); err != nil {
			s.logger.Warn("applying remote operations", "error", err)
		}
	case wire.FramePresence:
		s.presence.Observe(*f.Presence)
	case wire.FrameLeave:
		s.presence.Remove(f.ClientID)
	case wire.FrameAck:
		if f.ClientID == "" || f.ClientID == s.doc.ClientID() {
			s.log.Ack(f.Clock)
		}
	case wire.FrameSync:
		if err := s.applySync(f); err != nil {
			s.logger.Warn("resync failed", "error", err)
		}
	case wire.FrameNotice:
		n := Notice{Code: f.Notice.Code, Message: f.Notice.Message, Version: f.Version}
		if n.Code == string(ir.ErrCodeRestoreConflict) {
			s.logger.Info("restore overlapped local edits", "version", n.Version, "message", n.Message)
		}
		s.emitNotice(n)
	default:
		s.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (s *Session) presenceFrame(p ir.PresenceState) wire.Frame {
	return wire.Frame{Type: wire.FramePresence, DocID: s.doc.ID(), Presence: &p}
}

// drainControl discards control frames queued for a previous connection.
func (s *Session) drainControl() {
	for {
		select {
		case <-s.control:
		default:
			return
		}
	}
}
