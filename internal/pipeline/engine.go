package pipeline

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultQueueTimeout = 10 * time.Second
	DefaultReadTimeout  = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrInvalidConfig is wrapped by configuration errors returned from New.
var ErrInvalidConfig = errors.New("invalid engine config")

// Callback receives each request together with the response matched to it.
// The return value is reserved and currently ignored.
type Callback func(req, resp []byte) bool

// Config configures an Engine.
type Config struct {
	// URL selects the target; only scheme, host and port are used. The scheme
	// must be http or https.
	URL string
	// Workers is the number of connection workers, each on its own OS thread.
	Workers int
	// ReadFreq is the number of requests written back-to-back before their
	// responses are read.
	ReadFreq int
	// RequestsPerConnection caps how many requests one connection carries
	// before the worker reconnects.
	RequestsPerConnection int

	QueueCapacity   int
	QueueTimeout    time.Duration
	ReadTimeout     time.Duration
	DialTimeout     time.Duration
	PollInterval    time.Duration
	MaxResponseSize int

	// TLSConfig overrides certificate verification for https targets.
	TLSConfig *tls.Config
	// InsecureSkipVerify selects TrustAllTLSConfig when TLSConfig is nil.
	InsecureSkipVerify bool
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = DefaultMaxResponseSize
	}
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be greater than 0", ErrInvalidConfig)
	}
	if c.ReadFreq <= 0 {
		return fmt.Errorf("%w: read frequency must be greater than 0", ErrInvalidConfig)
	}
	if c.RequestsPerConnection <= 0 {
		return fmt.Errorf("%w: requests per connection must be greater than 0", ErrInvalidConfig)
	}
	return nil
}

// Report summarises an engine run.
type Report struct {
	Requests           int64         `json:"requests"`
	Elapsed            time.Duration `json:"elapsed"`
	RPS                float64       `json:"rps"`
	Sent               int64         `json:"sent"`
	Retried            int64         `json:"retried"`
	Reconnects         int64         `json:"reconnects"`
	ConnectionFailures int64         `json:"connection_failures"`
	FramingFailures    int64         `json:"framing_failures"`
	Rejected           int64         `json:"rejected"`
	StatusCounts       map[int]int64 `json:"status_counts"`
	// Drained is false when the drain timeout elapsed before every worker
	// retired.
	Drained bool `json:"drained"`
}

// Engine sends queued raw requests to a single target over pipelined
// connections and hands every matched response to its callback.
type Engine struct {
	cfg      Config
	callback Callback
	logger   *slog.Logger

	host      string
	addr      string
	tlsConfig *tls.Config
	dial      func(ctx context.Context) (net.Conn, error)

	intake    *intake
	retries   *retryBuffer
	life      *lifecycle
	connected *gate
	completed *gate

	// admitMu orders intake offers against the move to draining: a request
	// accepted by Queue is in the intake before any worker can see draining.
	admitMu sync.RWMutex

	startMu sync.Mutex
	started time.Time

	successes       atomic.Int64
	sent            atomic.Int64
	retried         atomic.Int64
	reconnects      atomic.Int64
	connFailures    atomic.Int64
	framingFailures atomic.Int64
	rejected        atomic.Int64

	statusMu     sync.Mutex
	statusCounts map[int]int64
}

// New validates cfg, resolves the target host once and starts the worker
// pool. Workers connect immediately but send nothing until Start.
func New(cfg Config, cb Callback, logger *slog.Logger) (*Engine, error) {
	e, err := newEngine(cfg, cb, logger)
	if err != nil {
		return nil, err
	}
	for i := range e.cfg.Workers {
		w := newWorker(i, e)
		go w.run()
	}
	e.logger.Info("engine: workers started",
		"target", e.addr,
		"workers", e.cfg.Workers,
		"read_freq", e.cfg.ReadFreq,
		"requests_per_connection", e.cfg.RequestsPerConnection,
	)
	return e, nil
}

// newEngine builds an engine without starting workers.
func newEngine(cfg Config, cb Callback, logger *slog.Logger) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		cb = func(_, _ []byte) bool { return true }
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %w", ErrInvalidConfig, err)
	}

	var defaultPort string
	switch target.Scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, target.Scheme)
	}

	host := target.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: url has no host", ErrInvalidConfig)
	}
	port := target.Port()
	if port == "" {
		port = defaultPort
	}

	ip, err := resolve(host, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		callback:     cb,
		logger:       logger,
		host:         host,
		addr:         net.JoinHostPort(ip.String(), port),
		intake:       newIntake(cfg.QueueCapacity),
		retries:      &retryBuffer{},
		life:         newLifecycle(),
		connected:    newGate(cfg.Workers),
		completed:    newGate(cfg.Workers),
		statusCounts: make(map[int]int64),
	}
	if target.Scheme == "https" {
		e.tlsConfig = tlsConfigFor(cfg, host)
	}
	e.dial = e.dialTarget
	return e, nil
}

// resolve performs the engine's single DNS lookup.
func resolve(host string, timeout time.Duration) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs[0].IP, nil
}

func (e *Engine) dialTarget(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, err
	}
	if e.tlsConfig == nil {
		return conn, nil
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()

	tc := tls.Client(conn, e.tlsConfig)
	if err := tc.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

// Queue adds a raw request to the intake. It blocks while the intake is full
// and returns ErrCapacity if no space frees up within the queue timeout.
func (e *Engine) Queue(req []byte) error {
	return e.QueueContext(context.Background(), req)
}

// QueueContext is Queue with a caller-controlled cancellation.
func (e *Engine) QueueContext(ctx context.Context, req []byte) error {
	e.admitMu.RLock()
	defer e.admitMu.RUnlock()

	if e.life.current() == PhaseDraining {
		return ErrDraining
	}
	err := e.intake.offer(ctx, req, e.cfg.QueueTimeout)
	if errors.Is(err, ErrCapacity) {
		e.rejected.Add(1)
	}
	return err
}

// Start waits up to timeout for every worker to open its first connection,
// then releases all workers at once. Workers that have not connected by then
// join when they do.
func (e *Engine) Start(timeout time.Duration) {
	if !e.connected.wait(timeout) {
		e.logger.Warn("engine: start timeout elapsed before all workers connected", "timeout", timeout)
	}

	e.startMu.Lock()
	if e.started.IsZero() {
		e.started = time.Now()
	}
	e.startMu.Unlock()

	if e.life.advance(PhaseLive) {
		e.logger.Info("engine: live", "queued", e.intake.len())
	}
}

// DrainAndReport tells workers to retire once the queues are empty, waits up
// to timeout for them to do so and reports throughput. Queue calls already in
// progress complete first; later ones return ErrDraining. Workers still busy
// when the timeout elapses keep running.
func (e *Engine) DrainAndReport(timeout time.Duration) Report {
	e.admitMu.Lock()
	e.life.advance(PhaseDraining)
	e.admitMu.Unlock()
	drained := e.completed.wait(timeout)

	e.startMu.Lock()
	started := e.started
	e.startMu.Unlock()

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}

	r := Report{
		Requests:           e.successes.Load(),
		Elapsed:            elapsed,
		Sent:               e.sent.Load(),
		Retried:            e.retried.Load(),
		Reconnects:         e.reconnects.Load(),
		ConnectionFailures: e.connFailures.Load(),
		FramingFailures:    e.framingFailures.Load(),
		Rejected:           e.rejected.Load(),
		StatusCounts:       e.statusSnapshot(),
		Drained:            drained,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		r.RPS = float64(r.Requests) / secs
	}

	if !drained {
		e.logger.Warn("engine: drain timeout elapsed with workers still running",
			"timeout", timeout,
			"retry_backlog", e.retries.len(),
			"intake_backlog", e.intake.len(),
		)
	}
	e.logger.Info("engine: drained",
		"requests", r.Requests,
		"elapsed", r.Elapsed,
		"rps", r.RPS,
		"retried", r.Retried,
	)
	return r
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	return e.life.current()
}

// Successes returns the number of responses matched so far.
func (e *Engine) Successes() int64 {
	return e.successes.Load()
}

// record accounts for a matched pair and hands it to the callback.
func (e *Engine) record(req, resp []byte) {
	e.successes.Add(1)
	responsesTotal.Inc()
	responseSize.Observe(float64(len(resp)))

	if code, ok := StatusCode(resp); ok {
		e.statusMu.Lock()
		e.statusCounts[code]++
		e.statusMu.Unlock()
	}

	_ = e.callback(req, resp)
}

func (e *Engine) statusSnapshot() map[int]int64 {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	out := make(map[int]int64, len(e.statusCounts))
	for code, n := range e.statusCounts {
		out[code] = n
	}
	return out
}

// queuesEmpty reports whether there is no work left to pull.
func (e *Engine) queuesEmpty() bool {
	return e.retries.len() == 0 && e.intake.len() == 0
}
