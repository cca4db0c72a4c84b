package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"time"
)

const (
	minDialBackoff = 10 * time.Millisecond
	maxDialBackoff = time.Second
)

// attemptKind is the outcome of one connection attempt.
type attemptKind int

const (
	// attemptOK: the per-connection cap was reached.
	attemptOK attemptKind = iota
	// attemptConnectionFailure: an I/O error broke the connection.
	attemptConnectionFailure
	// attemptFramingFailure: the response stream could not be framed.
	attemptFramingFailure
	// attemptRetired: the engine is draining and no work is left.
	attemptRetired
)

type attemptResult struct {
	kind attemptKind
	err  error
}

func failure(err error) attemptResult {
	if errors.Is(err, ErrFraming) {
		return attemptResult{kind: attemptFramingFailure, err: err}
	}
	return attemptResult{kind: attemptConnectionFailure, err: err}
}

// worker owns one target connection at a time. Its in-flight list is never
// shared.
type worker struct {
	id        int
	e         *Engine
	logger    *slog.Logger
	connected bool
	inflight  [][]byte
}

func newWorker(id int, e *Engine) *worker {
	return &worker{
		id:     id,
		e:      e,
		logger: e.logger.With("worker", id),
	}
}

// run connects, pipelines and reconnects until the worker retires.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	activeWorkers.Inc()
	defer activeWorkers.Dec()
	defer w.e.completed.countDown()

	var backoff time.Duration
	for {
		conn, err := w.e.dial(context.Background())
		if err != nil {
			w.e.connFailures.Add(1)
			connectionFailuresTotal.WithLabelValues(failureConnection).Inc()

			// Nothing is in flight after a failed dial, so retiring here
			// loses no work.
			if w.e.life.current() == PhaseDraining && w.e.queuesEmpty() {
				w.markConnected()
				return
			}

			backoff = nextBackoff(backoff)
			w.logger.Debug("dial failed", "error", err, "backoff", backoff)
			w.pause(backoff)
			continue
		}
		backoff = 0
		connectionsTotal.Inc()

		if w.connected {
			w.e.reconnects.Add(1)
		} else {
			w.markConnected()
			<-w.e.life.live
		}

		res := w.attempt(conn)
		conn.Close()

		switch res.kind {
		case attemptOK:
		case attemptRetired:
			w.logger.Debug("retired")
			return
		case attemptConnectionFailure, attemptFramingFailure:
			kind := failureConnection
			if res.kind == attemptFramingFailure {
				kind = failureFraming
				w.e.framingFailures.Add(1)
			} else {
				w.e.connFailures.Add(1)
			}
			connectionFailuresTotal.WithLabelValues(kind).Inc()
			w.logger.Debug("connection aborted", "kind", kind, "inflight", len(w.inflight), "error", res.err)
			w.requeue()
		}
	}
}

// markConnected counts the worker down on the connect gate once.
func (w *worker) markConnected() {
	if w.connected {
		return
	}
	w.connected = true
	w.e.connected.countDown()
}

// attempt runs pipeline cycles on conn until the per-connection cap is
// reached, the connection breaks, or the worker retires.
func (w *worker) attempt(conn net.Conn) attemptResult {
	rw := &deadlineConn{Conn: conn, timeout: w.e.cfg.ReadTimeout}
	framer := NewFramer(rw, w.e.cfg.MaxResponseSize)
	limit := w.e.cfg.RequestsPerConnection

	sent := 0
	for sent < limit {
		batch := 0
		retiring := false
		for batch < w.e.cfg.ReadFreq && sent < limit {
			req, ok := w.next()
			if !ok {
				retiring = true
				break
			}
			w.inflight = append(w.inflight, req)
			if _, err := rw.Write(req); err != nil {
				return failure(err)
			}
			w.e.sent.Add(1)
			requestsSentTotal.Inc()
			sent++
			batch++
		}

		for range batch {
			resp, err := framer.Next()
			if err != nil {
				return failure(err)
			}
			req := w.inflight[0]
			w.inflight[0] = nil
			w.inflight = w.inflight[1:]
			w.e.record(req, resp)
		}

		if retiring {
			return attemptResult{kind: attemptRetired}
		}
	}
	return attemptResult{kind: attemptOK}
}

// next pops the next request, retries first. It returns false when the engine
// is draining and both queues are empty.
func (w *worker) next() ([]byte, bool) {
	for {
		if req, ok := w.e.retries.pop(); ok {
			return req, true
		}
		if req, ok := w.e.intake.poll(w.e.cfg.PollInterval); ok {
			return req, true
		}
		if w.e.life.current() == PhaseDraining && w.e.queuesEmpty() {
			return nil, false
		}
	}
}

// requeue moves every unanswered request to the retry buffer in send order.
func (w *worker) requeue() {
	if len(w.inflight) == 0 {
		return
	}
	n := len(w.inflight)
	w.e.retries.pushAll(w.inflight)
	w.e.retried.Add(int64(n))
	retriedTotal.Add(float64(n))
	w.inflight = nil
}

// pause sleeps for d, waking early if draining begins meanwhile.
func (w *worker) pause(d time.Duration) {
	if w.e.life.current() == PhaseDraining {
		time.Sleep(d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.e.life.draining:
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d < minDialBackoff {
		return minDialBackoff
	}
	d *= 2
	if d > maxDialBackoff {
		return maxDialBackoff
	}
	return d
}

// deadlineConn applies a fresh deadline to every read and write, bounding
// how long a single I/O call can stall. A failure to set the deadline means
// the connection is already gone, which the following Read or Write reports.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}
