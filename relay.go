// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/relay/cluster"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/durability"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/internal/config"
	"github.com/glimte/relay/internal/logger"
	"github.com/glimte/relay/internal/metrics"
	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/messaging"
	"github.com/glimte/relay/persistence"
	"github.com/glimte/relay/schema"
	"github.com/glimte/relay/serialization"
	"github.com/glimte/relay/transports/tcp"
)

// Config is the node configuration, read with LoadConfig
type Config = config.Config

// LoadConfig reads a YAML file (optional) plus RELAY_* environment overrides
func LoadConfig(file string) (*Config, error) {
	return config.Load(file)
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return config.Default()
}

// Node is one member of a service: it receives envelopes on its listener,
// runs handlers on its worker queue, sends through its sending agent and keeps
// the durable store moving with the periodic sweeps.
type Node struct {
	cfg    *Config
	nodeID string
	logger *zap.Logger

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	metrics    *metrics.Collector

	registry    *serialization.Registry
	store       persistence.Store
	ownsStore   bool
	sender      *tcp.SocketSender
	agent       *messaging.SendingAgent
	watcher     *messaging.ReplyWatcher
	queue       *messaging.WorkerQueue
	listener    *tcp.Listener
	router      *messaging.Router
	bus         *messaging.Bus
	deadLetters *reliability.DeadLetters
	sweeps      *durability.Agent
	health      *health.Registry

	liveness  cluster.LivenessSource
	heartbeat *cluster.RedisLiveness
	redis     *redis.Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

type handlerRegistration struct {
	alias   string
	handler interceptors.Handler
}

type nodeOptions struct {
	logger        *zap.Logger
	registerer    prometheus.Registerer
	store         persistence.Store
	liveness      cluster.LivenessSource
	messages      []contracts.Message
	handlers      []handlerRegistration
	interceptors  []interceptors.Interceptor
	envelopeRules []messaging.EnvelopeRule
	retries       messaging.Retries
	validator     interceptors.Validator
}

// Option configures a Node
type Option func(*nodeOptions)

// WithLogger replaces the logger built from the logging configuration
func WithLogger(l *zap.Logger) Option {
	return func(o *nodeOptions) {
		o.logger = l
	}
}

// WithRegisterer registers the node metrics on reg instead of a private registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *nodeOptions) {
		o.registerer = reg
	}
}

// WithStore uses store instead of opening one from the store configuration.
// The node does not close a store it was given.
func WithStore(store persistence.Store) Option {
	return func(o *nodeOptions) {
		o.store = store
	}
}

// WithLiveness replaces the redis or static liveness source
func WithLiveness(source cluster.LivenessSource) Option {
	return func(o *nodeOptions) {
		o.liveness = source
	}
}

// WithMessages registers message types with the serialization registry
func WithMessages(messages ...contracts.Message) Option {
	return func(o *nodeOptions) {
		o.messages = append(o.messages, messages...)
	}
}

// WithHandler handles every envelope of the alias type
func WithHandler(alias string, fn func(ctx context.Context, env *contracts.Envelope) error) Option {
	return func(o *nodeOptions) {
		o.handlers = append(o.handlers, handlerRegistration{alias: alias, handler: interceptors.HandlerFunc(fn)})
	}
}

// WithInterceptors wraps every handler, inside the logging, metrics and recovery interceptors
func WithInterceptors(items ...interceptors.Interceptor) Option {
	return func(o *nodeOptions) {
		o.interceptors = append(o.interceptors, items...)
	}
}

// WithValidator rejects envelopes the validator refuses before their handler
// runs. Rejections are dead-lettered without retries.
func WithValidator(validator interceptors.Validator) Option {
	return func(o *nodeOptions) {
		o.validator = validator
	}
}

// WithEnvelopeRules applies rules, in order, to every routed envelope
func WithEnvelopeRules(rules ...messaging.EnvelopeRule) Option {
	return func(o *nodeOptions) {
		o.envelopeRules = append(o.envelopeRules, rules...)
	}
}

// WithRetries replaces the backoff policy built from the retries configuration
func WithRetries(retries messaging.Retries) Option {
	return func(o *nodeOptions) {
		o.retries = retries
	}
}

// NewNode builds every component of a node, leaves first. Nothing runs until Start.
func NewNode(ctx context.Context, cfg *Config, options ...Option) (_ *Node, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := nodeOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	validator := opts.validator
	if validator == nil && len(cfg.Validation.Schemas) > 0 {
		loaded, err := loadSchemas(cfg.Validation.Schemas)
		if err != nil {
			return nil, err
		}
		validator = loaded
	}

	n := &Node{cfg: cfg}

	n.logger = opts.logger
	if n.logger == nil {
		l, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		n.logger = l
	}

	n.nodeID = resolveNodeID(cfg)
	n.logger = n.logger.With(zap.String("service", cfg.Node.ServiceName), zap.String("nodeId", n.nodeID))

	if err := n.buildMetrics(opts.registerer); err != nil {
		return nil, err
	}

	n.registry = serialization.NewRegistry()
	for _, msg := range opts.messages {
		if err := n.registry.RegisterMessage(msg); err != nil {
			return nil, fmt.Errorf("failed to register message %s: %w", msg.MessageType(), err)
		}
	}

	if err := n.openStore(ctx, opts.store); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && n.ownsStore {
			_ = n.store.Close()
		}
	}()

	retries := opts.retries
	if retries == nil {
		retries = reliability.NewBackoffRetries(
			cfg.Retries.MaxAttempts,
			cfg.Retries.InitialInterval,
			cfg.Retries.MaxInterval,
			cfg.Retries.Multiplier,
		)
	}

	n.deadLetters = reliability.NewDeadLetters(reliability.WithDeadLettersLogger(n.logger))

	breakers := reliability.NewBreakers(reliability.BreakerSettings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          cfg.Sender.BreakerTimeout,
		FailureThreshold: cfg.Sender.BreakerThreshold,
	}, func(destination string, from, to gobreaker.State) {
		n.metrics.BreakerState(destination, int(to))
		n.logger.Warn("sender circuit changed state",
			zap.String("destination", destination),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})

	n.sender = tcp.NewSocketSender(
		tcp.WithSenderLogger(n.logger),
		tcp.WithSenderMetrics(n.metrics),
		tcp.WithBreakers(breakers),
		tcp.WithConnectTimeout(cfg.Sender.ConnectTimeout),
		tcp.WithProtocolTimeout(cfg.Sender.ProtocolTimeout),
	)

	n.agent = messaging.NewSendingAgent(n.sender, retries,
		messaging.WithAgentLogger(n.logger),
		messaging.WithAgentMetrics(n.metrics),
		messaging.WithOutbox(n.store, n.nodeID),
		messaging.WithAgentDeadLetterHook(n.deadLetters),
	)

	chain := []interceptors.Interceptor{
		interceptors.NewRecoveryInterceptor(n.logger),
		interceptors.NewLoggingInterceptor(n.logger),
		interceptors.NewMetricsInterceptor(n.metrics),
	}
	if validator != nil {
		chain = append(chain, interceptors.NewValidationInterceptor(validator))
	}
	graph := messaging.NewHandlerGraph(n.registry,
		messaging.WithGraphLogger(n.logger),
		messaging.WithInterceptors(append(chain, opts.interceptors...)...),
	)
	for _, h := range opts.handlers {
		if err := graph.Handle(h.alias, h.handler); err != nil {
			return nil, err
		}
	}

	n.watcher = messaging.NewReplyWatcher(messaging.WithWatcherLogger(n.logger))
	pipeline := messaging.NewReplyPipeline(graph.Build(), n.watcher, n.agent, n.logger)

	n.queue = messaging.NewWorkerQueue(pipeline, retries,
		messaging.WithWorkerLogger(n.logger),
		messaging.WithWorkerMetrics(n.metrics),
		messaging.WithMaxConcurrency(cfg.Worker.MaxConcurrency),
		messaging.WithAdmissionTimeout(cfg.Worker.AdmissionTimeout),
		messaging.WithDeadLetterHook(messaging.ChainDeadLetterHooks(pipeline, n.deadLetters)),
	)

	receiver := messaging.NewReceiver(n.queue, n.nodeID,
		messaging.WithReceiverLogger(n.logger),
		messaging.WithInbox(n.store),
		messaging.WithQueues(servedQueues(cfg.Listener.Queues)...),
	)
	if cfg.Listener.Enabled {
		n.listener = tcp.NewListener(
			net.JoinHostPort(cfg.Listener.Host, strconv.Itoa(cfg.Listener.Port)),
			receiver,
			tcp.WithListenerLogger(n.logger),
			tcp.WithListenerMetrics(n.metrics),
			tcp.WithAcceptRate(cfg.Listener.AcceptRate, cfg.Listener.AcceptBurst),
		)
	}

	n.router = messaging.NewRouter(n.registry, messaging.WithRouterLogger(n.logger))
	rules := make([]messaging.PublishingRule, 0, len(cfg.Publishing))
	for _, rule := range cfg.Publishing {
		rules = append(rules, messaging.PublishingRule{MessageType: rule.MessageType, Destination: rule.Destination})
	}
	if err := n.router.SetRules(rules...); err != nil {
		return nil, err
	}
	for _, rule := range opts.envelopeRules {
		n.router.AddEnvelopeRule(rule)
	}

	busOptions := []messaging.BusOption{
		messaging.WithBusLogger(n.logger),
		messaging.WithBusStore(n.store, n.nodeID),
	}
	if uri := n.ReplyURI(); uri != "" {
		busOptions = append(busOptions, messaging.WithReplyURI(uri))
	}
	n.bus = messaging.NewBus(n.router, n.registry, n.queue, n.agent, n.watcher, busOptions...)

	n.buildLiveness(opts.liveness)

	sweepOptions := []durability.Option{
		durability.WithLogger(n.logger),
		durability.WithMetrics(n.metrics),
		durability.WithFirstDelay(cfg.Durability.FirstDelay),
		durability.WithBatchSize(cfg.Durability.RecoveryBatchSize),
	}
	n.sweeps = durability.NewAgent(
		durability.NewScheduledJobs(n.store, n.queue, n.nodeID,
			append(sweepOptions, durability.WithPollingInterval(cfg.Durability.ScheduledJobsPolling))...),
		durability.NewNodeReassignment(n.store, n.liveness, n.queue, n.agent, n.nodeID,
			append(sweepOptions, durability.WithPollingInterval(cfg.Durability.NodeReassignmentPolling))...),
		n.logger,
	)

	n.buildHealth()
	return n, nil
}

func (n *Node) buildMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, n.gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		n.gatherer = g
	}
	n.registerer = reg

	collector, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	n.metrics = collector
	return nil
}

func (n *Node) openStore(ctx context.Context, given persistence.Store) error {
	if given != nil {
		n.store = given
		return nil
	}
	store, err := persistence.Open(ctx, n.cfg.Store.Driver, n.cfg.Store.DSN, n.cfg.Node.ServiceName,
		persistence.WithLogger(n.logger),
		persistence.WithSchema(n.cfg.Store.Schema),
	)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", n.cfg.Store.Driver, err)
	}
	n.store = store
	n.ownsStore = true
	return nil
}

func (n *Node) buildLiveness(given cluster.LivenessSource) {
	if n.cfg.Redis.Addr != "" {
		n.redis = redis.NewClient(&redis.Options{
			Addr:     n.cfg.Redis.Addr,
			Password: n.cfg.Redis.Password,
			DB:       n.cfg.Redis.DB,
		})
		n.heartbeat = cluster.NewRedisLiveness(n.redis, n.cfg.Node.ServiceName, n.nodeID,
			cluster.WithHeartbeatInterval(n.cfg.Redis.HeartbeatInterval),
			cluster.WithNodeTTL(n.cfg.Redis.NodeTTL),
			cluster.WithRedisLogger(n.logger),
		)
	}

	switch {
	case given != nil:
		n.liveness = given
	case n.heartbeat != nil:
		n.liveness = n.heartbeat
	default:
		n.liveness = cluster.NewStaticLiveness()
	}
}

func (n *Node) buildHealth() {
	n.health = health.NewRegistry()
	n.health.SetMetadata("service", n.cfg.Node.ServiceName)
	n.health.SetMetadata("nodeId", n.nodeID)
	n.health.Register(health.NewStoreChecker(n.store, 0))
	n.health.Register(health.NewWorkerChecker(n.queue, n.cfg.Worker.MaxConcurrency))
	n.health.Register(health.NewRuntimeChecker(5000, 20000))
	if n.listener != nil {
		n.health.Register(health.NewListenerChecker(n.listener))
	}
	if n.redis != nil {
		n.health.Register(health.NewRedisChecker(n.redis))
	}
}

// Start binds the listener and starts the heartbeat and the durability sweeps.
// They run until Stop or until ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if n.listener != nil {
		if err := n.listener.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	group, gCtx := errgroup.WithContext(runCtx)
	if n.heartbeat != nil {
		group.Go(func() error {
			return n.heartbeat.Run(gCtx)
		})
	}
	group.Go(func() error {
		return n.sweeps.Run(gCtx)
	})

	n.cancel = cancel
	n.group = group
	n.started = true
	n.logger.Info("node started", zap.String("replyUri", n.ReplyURI()))
	return nil
}

// Run starts the node and blocks until ctx is done, then stops it
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return n.Stop(stopCtx)
}

// Stop refuses new batches, lets running handlers and sends finish within ctx
// and releases every resource. Envelopes that did not finish stay in the
// store for the next start or for another node.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel, group := n.cancel, n.group
	n.cancel, n.group = nil, nil
	n.started = false
	n.mu.Unlock()

	var errs []error
	if n.listener != nil {
		if err := n.listener.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop listener: %w", err))
		}
	}
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	drained := true
	if err := n.queue.Close(ctx); err != nil {
		drained = false
		errs = append(errs, fmt.Errorf("close worker queue: %w", err))
	}
	if err := n.agent.Close(ctx); err != nil {
		drained = false
		errs = append(errs, fmt.Errorf("close sending agent: %w", err))
	}
	n.watcher.Close()

	if drained {
		// hand unfinished envelopes to the rest of the service
		if _, err := n.store.ReassignOrphans(ctx, []string{n.nodeID}); err != nil {
			n.logger.Warn("failed to release owned envelopes", zap.Error(err))
		}
		if n.heartbeat != nil {
			if err := n.heartbeat.Forget(ctx, n.nodeID); err != nil {
				n.logger.Warn("failed to remove heartbeat", zap.Error(err))
			}
		}
	} else {
		// work still running keeps its owner; peers take it once the heartbeat
		// expires and a restart of this node id recovers it
		n.logger.Warn("stopped before in-flight work finished, owned envelopes are not released")
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if n.ownsStore {
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	n.logger.Info("node stopped")
	_ = n.logger.Sync()
	return errors.Join(errs...)
}

// Bus returns the application entry point for sending
func (n *Node) Bus() *messaging.Bus {
	return n.bus
}

// Router returns the publishing rules, which may be changed while running
func (n *Node) Router() *messaging.Router {
	return n.router
}

// Store returns the envelope store
func (n *Node) Store() persistence.Store {
	return n.store
}

// DeadLetters returns the in-memory record of envelopes dead-lettered since start
func (n *Node) DeadLetters() *reliability.DeadLetters {
	return n.deadLetters
}

// Health returns the node health checks
func (n *Node) Health() *health.Registry {
	return n.health
}

// NodeID returns the owner id this node claims envelopes under
func (n *Node) NodeID() string {
	return n.nodeID
}

// SetListeningStatus makes the listener refuse (TooBusy) or accept new batches
func (n *Node) SetListeningStatus(status tcp.ListeningStatus) {
	if n.listener != nil {
		n.listener.SetStatus(status)
	}
}

// ListenerURI returns the bound listener uri, or empty before Start or when listening is disabled
func (n *Node) ListenerURI() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.URI()
}

// ReplyURI is where other nodes send replies and acknowledgements for this node
func (n *Node) ReplyURI() string {
	if !n.cfg.Listener.Enabled {
		return ""
	}
	host := n.cfg.Listener.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = hostname()
	}
	return fmt.Sprintf("%s://%s/%s", tcp.Scheme, net.JoinHostPort(host, strconv.Itoa(n.cfg.Listener.Port)), messaging.DefaultLocalQueue)
}

// MetricsHandler serves the node metrics in the prometheus text format
func (n *Node) MetricsHandler() http.Handler {
	if n.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(n.gatherer, promhttp.HandlerOpts{})
}

// loadSchemas compiles the schema file of every configured message type
func loadSchemas(files map[string]string) (*schema.Validator, error) {
	validator := schema.NewValidator()
	for messageType, file := range files {
		doc, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema of %s: %w", messageType, err)
		}
		if err := validator.Register(messageType, doc); err != nil {
			return nil, err
		}
	}
	return validator, nil
}

func resolveNodeID(cfg *Config) string {
	if cfg.Node.NodeID != "" {
		return cfg.Node.NodeID
	}
	return net.JoinHostPort(hostname(), strconv.Itoa(cfg.Listener.Port))
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// servedQueues adds the reply queue to an explicit queue list
func servedQueues(queues []string) []string {
	if len(queues) == 0 {
		return nil
	}
	for _, q := range queues {
		if q == messaging.DefaultLocalQueue {
			return queues
		}
	}
	return append(append([]string(nil), queues...), messaging.DefaultLocalQueue)
}
