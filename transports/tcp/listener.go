package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
)

// ListeningStatus tells the listener whether to take on new work
type ListeningStatus int32

const (
	Accepting ListeningStatus = iota
	// TooBusy answers every non-ping batch with a processing failure so senders retry later
	TooBusy
)

func (s ListeningStatus) String() string {
	if s == TooBusy {
		return "TooBusy"
	}
	return "Accepting"
}

// DefaultReceiveTimeout bounds one inbound exchange, from length prefix to acknowledgement
const DefaultReceiveTimeout = 10 * time.Second

// Listener accepts connections and runs the receive side of the wire protocol on each
type Listener struct {
	address        string
	callback       contracts.ReceiverCallback
	logger         *zap.Logger
	metrics        *metrics.Collector
	limiter        *rate.Limiter
	receiveTimeout time.Duration
	status         atomic.Int32

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ListenerOption configures the Listener
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithListenerMetrics sets the metrics collector
func WithListenerMetrics(collector *metrics.Collector) ListenerOption {
	return func(l *Listener) {
		l.metrics = collector
	}
}

// WithAcceptRate limits accepted connections per second; zero or less means unlimited
func WithAcceptRate(perSecond float64, burst int) ListenerOption {
	return func(l *Listener) {
		if perSecond <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithReceiveTimeout bounds each inbound exchange
func WithReceiveTimeout(timeout time.Duration) ListenerOption {
	return func(l *Listener) {
		l.receiveTimeout = timeout
	}
}

// NewListener creates a listener for address (host:port); call Start to begin accepting
func NewListener(address string, callback contracts.ReceiverCallback, options ...ListenerOption) *Listener {
	l := &Listener{
		address:        address,
		callback:       callback,
		logger:         zap.NewNop(),
		limiter:        rate.NewLimiter(rate.Inf, 0),
		receiveTimeout: DefaultReceiveTimeout,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Start binds the address and accepts connections until ctx is done or Stop is called
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return fmt.Errorf("listener already started on %s", l.listener.Addr())
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.listener = ln
	l.cancel = cancel

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)

	l.logger.Info("listening for envelopes", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// URI returns the tcp uri other nodes use to reach this listener
func (l *Listener) URI() string {
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	host := "localhost"
	if !addr.IP.IsUnspecified() && !addr.IP.IsLoopback() {
		host = addr.IP.String()
	}
	return fmt.Sprintf("%s://%s", Scheme, net.JoinHostPort(host, strconv.Itoa(addr.Port)))
}

// Status returns the current listening status
func (l *Listener) Status() ListeningStatus {
	return ListeningStatus(l.status.Load())
}

// SetStatus switches between accepting work and refusing it
func (l *Listener) SetStatus(status ListeningStatus) {
	if previous := ListeningStatus(l.status.Swap(int32(status))); previous != status {
		l.logger.Info("listening status changed",
			zap.Stringer("from", previous),
			zap.Stringer("to", status),
		)
	}
}

// Stop closes the socket and waits for in-flight exchanges to finish
func (l *Listener) Stop() error {
	l.mu.Lock()
	ln, cancel := l.listener, l.cancel
	l.mu.Unlock()

	if ln == nil {
		return nil
	}
	cancel()
	err := ln.Close()
	l.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(l.receiveTimeout)); err != nil {
		return
	}

	var callback contracts.ReceiverCallback = l.callback
	if l.Status() == TooBusy {
		callback = tooBusy{l.callback}
	}
	callback = &statusRecorder{ReceiverCallback: callback, metrics: l.metrics}

	if err := Receive(ctx, conn, callback, l.URI()); err != nil && !isEOF(err) {
		l.logger.Warn("receive failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
	}
}

// tooBusy refuses batches without consulting the real callback
type tooBusy struct {
	contracts.ReceiverCallback
}

func (tooBusy) Received(context.Context, string, []*contracts.Envelope) contracts.ReceivedStatus {
	return contracts.ReceivedProcessFailure
}

func (tooBusy) Acknowledged(context.Context, []*contracts.Envelope) {}

func (tooBusy) NotAcknowledged(context.Context, []*contracts.Envelope) {}

type statusRecorder struct {
	contracts.ReceiverCallback
	metrics *metrics.Collector
}

func (r *statusRecorder) Received(ctx context.Context, uri string, envelopes []*contracts.Envelope) contracts.ReceivedStatus {
	status := r.ReceiverCallback.Received(ctx, uri, envelopes)
	r.metrics.BatchReceived(status.String())
	return status
}
