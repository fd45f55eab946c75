package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/metrics"
	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/serialization"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultProtocolTimeout = 5 * time.Second
)

// SocketSender delivers batches over a fresh connection per batch
type SocketSender struct {
	logger          *zap.Logger
	metrics         *metrics.Collector
	breakers        *reliability.Breakers
	connectTimeout  time.Duration
	protocolTimeout time.Duration
	hostname        string
	dial            func(ctx context.Context, network, address string) (net.Conn, error)
}

// SenderOption configures the SocketSender
type SenderOption func(*SocketSender)

// WithSenderLogger sets the logger
func WithSenderLogger(logger *zap.Logger) SenderOption {
	return func(s *SocketSender) {
		s.logger = logger
	}
}

// WithSenderMetrics sets the metrics collector
func WithSenderMetrics(collector *metrics.Collector) SenderOption {
	return func(s *SocketSender) {
		s.metrics = collector
	}
}

// WithBreakers guards each destination with a circuit breaker
func WithBreakers(breakers *reliability.Breakers) SenderOption {
	return func(s *SocketSender) {
		s.breakers = breakers
	}
}

// WithConnectTimeout bounds the connection attempt
func WithConnectTimeout(timeout time.Duration) SenderOption {
	return func(s *SocketSender) {
		s.connectTimeout = timeout
	}
}

// WithProtocolTimeout bounds the write and confirmation read
func WithProtocolTimeout(timeout time.Duration) SenderOption {
	return func(s *SocketSender) {
		s.protocolTimeout = timeout
	}
}

// NewSocketSender creates a sender with 5 second connect and protocol timeouts
func NewSocketSender(options ...SenderOption) *SocketSender {
	s := &SocketSender{
		logger:          zap.NewNop(),
		connectTimeout:  DefaultConnectTimeout,
		protocolTimeout: DefaultProtocolTimeout,
	}
	if host, err := os.Hostname(); err == nil {
		s.hostname = host
	}
	for _, opt := range options {
		opt(s)
	}
	if s.dial == nil {
		dialer := &net.Dialer{Timeout: s.connectTimeout}
		s.dial = dialer.DialContext
	}
	return s
}

// SendBatch sends batch and reports the outcome through exactly one callback method
func (s *SocketSender) SendBatch(ctx context.Context, callback contracts.SenderCallback, batch *contracts.OutgoingBatch) {
	dest, err := ParseDestination(batch.Destination)
	if err != nil {
		s.metrics.BatchSent("failed")
		callback.Failed(batch, reliability.Permanent(err))
		return
	}

	data, err := serialization.Serialize(batch.Envelopes)
	if err != nil {
		s.metrics.BatchSent("failed")
		callback.Failed(batch, err)
		return
	}

	recorder := &outcomeRecorder{SenderCallback: callback}
	exchange := func() error {
		return s.exchange(ctx, dest, batch, data, recorder)
	}
	if s.breakers != nil {
		err = s.breakers.Execute(dest.Address(), exchange)
		s.metrics.BreakerState(dest.Address(), int(s.breakers.State(dest.Address())))
	} else {
		err = exchange()
	}

	switch {
	case err == nil:
		s.metrics.BatchSent(recorder.outcome)
		s.logger.Debug("batch sent",
			zap.String("destination", batch.Destination),
			zap.Int("envelopes", len(batch.Envelopes)),
			zap.String("outcome", recorder.outcome),
		)
	case ctx.Err() != nil:
		s.metrics.BatchSent("failed")
		callback.Failed(batch, ctx.Err())
	case isTimeout(err):
		s.metrics.BatchSent("timed_out")
		s.logger.Warn("batch send timed out", zap.String("destination", batch.Destination), zap.Error(err))
		callback.TimedOut(batch)
	default:
		s.metrics.BatchSent("failed")
		s.logger.Warn("batch send failed", zap.String("destination", batch.Destination), zap.Error(err))
		callback.Failed(batch, err)
	}
}

func (s *SocketSender) exchange(ctx context.Context, dest Destination, batch *contracts.OutgoingBatch, data []byte, callback *outcomeRecorder) error {
	conn, err := s.connect(ctx, dest)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(s.protocolTimeout)); err != nil {
		return err
	}
	if err := Send(conn, batch, data, callback); err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: %v", contracts.ErrProtocolTimeout, err)
		}
		return &contracts.ProtocolError{Destination: dest.String(), Op: "send", Err: err}
	}

	// receiver verdicts are not connectivity failures
	return nil
}

func (s *SocketSender) connect(ctx context.Context, dest Destination) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	address := net.JoinHostPort(s.resolveHost(dest.Host), strconv.Itoa(dest.Port))
	conn, err := s.dial(ctx, "tcp", address)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: %v", contracts.ErrConnectionTimeout, err)
		}
		return nil, &contracts.ProtocolError{Destination: dest.String(), Op: "connect", Err: err}
	}
	return conn, nil
}

// resolveHost sends same-machine destinations over the loopback interface
func (s *SocketSender) resolveHost(host string) string {
	if IsLoopback(host, s.hostname) {
		return "127.0.0.1"
	}
	return host
}

// IsLoopback reports whether host names this machine
func IsLoopback(host, localHostname string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1":
		return true
	}
	return localHostname != "" && strings.EqualFold(host, localHostname)
}

// Ping sends an empty batch to destination and waits for the receiver's confirmation
func (s *SocketSender) Ping(ctx context.Context, destination string) error {
	cb := &pingCallback{}
	s.SendBatch(ctx, cb, contracts.NewOutgoingBatch(destination))
	return cb.err
}

func isTimeout(err error) bool {
	if errors.Is(err, contracts.ErrConnectionTimeout) || errors.Is(err, contracts.ErrProtocolTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// outcomeRecorder remembers which callback method the protocol invoked
type outcomeRecorder struct {
	contracts.SenderCallback
	outcome string
}

func (r *outcomeRecorder) Successful(batch *contracts.OutgoingBatch) {
	r.outcome = "successful"
	r.SenderCallback.Successful(batch)
}

func (r *outcomeRecorder) SerializationFailure(batch *contracts.OutgoingBatch) {
	r.outcome = "serialization_failure"
	r.SenderCallback.SerializationFailure(batch)
}

func (r *outcomeRecorder) ProcessingFailure(batch *contracts.OutgoingBatch, err error) {
	r.outcome = "processing_failure"
	r.SenderCallback.ProcessingFailure(batch, err)
}

func (r *outcomeRecorder) QueueDoesNotExist(batch *contracts.OutgoingBatch) {
	r.outcome = "queue_does_not_exist"
	r.SenderCallback.QueueDoesNotExist(batch)
}

func (r *outcomeRecorder) Failed(batch *contracts.OutgoingBatch, err error) {
	r.outcome = "failed"
	r.SenderCallback.Failed(batch, err)
}

type pingCallback struct {
	err error
}

func (p *pingCallback) Successful(*contracts.OutgoingBatch) {}

func (p *pingCallback) TimedOut(*contracts.OutgoingBatch) {
	p.err = contracts.ErrProtocolTimeout
}

func (p *pingCallback) SerializationFailure(*contracts.OutgoingBatch) {
	p.err = contracts.ErrSerializationFailure
}

func (p *pingCallback) ProcessingFailure(_ *contracts.OutgoingBatch, err error) {
	p.err = err
}

func (p *pingCallback) QueueDoesNotExist(*contracts.OutgoingBatch) {
	p.err = contracts.ErrQueueDoesNotExist
}

func (p *pingCallback) Failed(_ *contracts.OutgoingBatch, err error) {
	p.err = err
}
