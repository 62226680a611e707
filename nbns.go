package nbns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxDatagramLen is larger than anything RFC 1002 allows on port 137.
const maxDatagramLen = 1500

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// errDraining cuts short a registration or refresh once shutdown has begun.
var errDraining = errors.New("name service is shutting down")

type Option func(*Server)

// WithLogger replaces the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTransport makes the server use t instead of binding a UDP socket.
func WithTransport(t Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// WithRegisterer enables metrics, registered with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerer = reg
	}
}

// NewServer validates cfg and opens the name service socket. The server does
// not read or send anything until Start is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Scope = strings.Trim(cfg.Scope, ".")
	cfg.BroadcastAddress = cfg.BroadcastAddress.Unmap()
	cfg.PrimaryWINS = cfg.PrimaryWINS.Unmap()
	cfg.SecondaryWINS = cfg.SecondaryWINS.Unmap()

	s := &Server{
		cfg:      cfg,
		local:    newLocalTable(),
		remote:   newRemoteTable(),
		queue:    newRequestQueue(),
		events:   newEventBus(),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.With("component", "nbns")
	}

	m, err := newMetrics(s.registerer)
	if err != nil {
		return nil, err
	}
	s.metrics = m

	if cfg.QueryRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRateLimit), cfg.QueryBurst)
	}

	if s.transport == nil {
		t, err := listenUDP(cfg.BindAddress, cfg.Port)
		if err != nil {
			return nil, err
		}
		s.transport = t
	}
	return s, nil
}

// Start launches the receive loop, the request handler and the refresh
// worker. They run until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.conn() == nil {
		close(s.done)
		return ErrSocketNotInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	refreshCtx, stopRefresh := context.WithCancel(gctx)

	s.mu.Lock()
	s.cancel = cancel
	s.stopRefresh = stopRefresh
	s.mu.Unlock()

	s.logger.Info("Starting name service",
		"port", s.cfg.Port,
		"wins", s.cfg.PrimaryWINS,
		"broadcast", s.cfg.BroadcastAddress,
		"scope", s.cfg.Scope)

	g.Go(func() error { return s.listen(gctx) })
	g.Go(func() error { return s.run(gctx) })
	g.Go(func() error { return s.refresh(refreshCtx) })
	g.Go(func() error {
		<-gctx.Done()
		s.closing.Store(true)
		return s.closeTransport()
	})

	go func() {
		s.err = g.Wait()
		stopRefresh()
		cancel()
		close(s.done)
	}()
	return nil
}

// Shutdown stops the refresh worker, optionally releases every local name,
// then closes the socket and waits for all workers to exit. ctx bounds the
// whole sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		s.stopping.Store(true)
		s.beginDrain()
		s.closing.Store(true)
		return s.closeTransport()
	}
	if s.stopping.CompareAndSwap(false, true) {
		s.logger.Info("Shutting down name service")
		s.beginDrain()

		s.mu.RLock()
		stopRefresh, cancel := s.stopRefresh, s.cancel
		s.mu.RUnlock()

		if stopRefresh != nil {
			stopRefresh()
		}
		for _, req := range s.queue.purge(addRequest, refreshRequest) {
			req.setState(stateErrored)
			s.metrics.requestDone(req.kind, "aborted")
			s.logger.Debug("Dropped request on shutdown", "request", req)
		}
		if s.cfg.ReleaseOnShutdown {
			s.releaseAll(ctx)
		}
		s.closing.Store(true)
		if cancel != nil {
			cancel()
		}
	}

	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
}

// Wait blocks until the workers started by Start have exited.
func (s *Server) Wait() error {
	if !s.started.Load() {
		return nil
	}
	<-s.done
	return s.err
}

// beginDrain stops registrations and refreshes from sending anything more.
// A registration confirmed after this point is released by the handler.
func (s *Server) beginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.draining:
	default:
		close(s.draining)
	}
}

func (s *Server) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// releaseAll queues a release for every registered local name and waits,
// bounded by DrainTimeout, for the handler to send them. A registration still
// in flight is released by the handler when it gives up on it.
func (s *Server) releaseAll(ctx context.Context) {
	select {
	case <-s.done:
		return
	default:
	}
	var names []Name
	for _, n := range s.local.all() {
		if n.Registered() {
			names = append(names, n)
		}
	}
	for _, n := range names {
		s.queue.push(s.releaseRequest(n))
	}
	if s.queue.len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.queue.waitEmpty(ctx); err != nil {
		s.logger.Warn("Names not released before shutdown", "error", err)
		return
	}
	s.logger.Info("Released local names", "count", len(names))
}

// AddName queues registration of n and returns without waiting for it. The
// outcome is reported to add name listeners. A zero TTL means the configured
// default.
func (s *Server) AddName(n Name) error {
	if s.conn() == nil || s.stopping.Load() {
		return ErrSocketNotInitialized
	}
	n, err := n.normalize()
	if err != nil {
		return err
	}
	if len(n.Addrs) == 0 {
		return fmt.Errorf("%w: %s has no addresses", ErrInvalidName, n)
	}
	if n.TTL == 0 {
		n.TTL = s.cfg.TTL
	}
	n.Expiry = time.Time{}

	interval := s.cfg.AddRetryInterval
	if s.cfg.HasWINS() {
		interval = s.cfg.AddWINSRetryInterval
	}
	req := newRequest(addRequest, n, s.nextTransactionID(), s.cfg.AddRetries, interval)
	s.queue.push(req)
	s.logger.Debug("Queued request", "request", req)
	return nil
}

// DeleteName queues release of n. When n carries no addresses the ones of
// the matching local name are released, as the table stands once every
// request queued before it has been handled.
func (s *Server) DeleteName(n Name) error {
	if s.conn() == nil || s.stopping.Load() {
		return ErrSocketNotInitialized
	}
	n, err := n.normalize()
	if err != nil {
		return err
	}

	req := s.releaseRequest(n)
	s.queue.push(req)
	s.logger.Debug("Queued request", "request", req)
	return nil
}

// LocalNames returns a snapshot of the local name table, including names
// whose registration is still in progress.
func (s *Server) LocalNames() []Name {
	return s.local.all()
}

// RemoteNames returns a snapshot of names other hosts were seen registering.
func (s *Server) RemoteNames() []RemoteName {
	return s.remote.all()
}

func (s *Server) LookupLocal(key NameKey) (Name, bool) {
	name, err := normalizeName(key.Name)
	if err != nil {
		return Name{}, false
	}
	return s.local.find(NameKey{Name: name, Type: key.Type})
}

func (s *Server) SubscribeAddName(l AddNameListener) uuid.UUID {
	return s.events.subscribeAdd(l)
}

func (s *Server) SubscribeQueryName(l QueryNameListener) uuid.UUID {
	return s.events.subscribeQuery(l)
}

func (s *Server) SubscribeRemoteName(l RemoteNameListener) uuid.UUID {
	return s.events.subscribeRemote(l)
}

// Unsubscribe removes the listener registered under id, whatever its kind.
func (s *Server) Unsubscribe(id uuid.UUID) bool {
	return s.events.unsubscribe(id)
}

func (s *Server) releaseRequest(n Name) *request {
	return newRequest(deleteRequest, n, s.nextTransactionID(), s.cfg.DeleteRetries, s.cfg.DeleteRetryInterval)
}

func (s *Server) nextTransactionID() uint16 {
	return uint16(s.tid.Add(1))
}

func (s *Server) conn() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Server) closeTransport() error {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close name service socket: %w", err)
	}
	return nil
}

func (s *Server) observeTables() {
	s.metrics.tables(s.local.len(), s.remote.len())
}

// run is the request handler worker. It is the only sender of requests and
// the only writer of the local name table.
func (s *Server) run(ctx context.Context) error {
	s.logger.Info("Starting name service request handler")
	for {
		if ctx.Err() != nil {
			s.logger.Info("Stopping name service request handler")
			return nil
		}
		req := s.queue.peek()
		if req == nil {
			select {
			case <-ctx.Done():
			case <-s.queue.wake:
			}
			continue
		}
		s.process(ctx, req)
		s.queue.remove(req)
	}
}

func (s *Server) process(ctx context.Context, req *request) {
	req.setState(stateSending)
	s.logger.Debug("Processing request", "request", req)

	var inserted bool
	switch req.kind {
	case addRequest:
		inserted = s.local.add(req.name)
		s.observeTables()
	case deleteRequest:
		if len(req.name.Addrs) == 0 {
			n, ok := s.local.find(req.key)
			if !ok {
				req.setState(stateErrored)
				s.metrics.requestDone(req.kind, "unknown")
				s.logger.Warn("Not releasing name that is not local", "name", req.key)
				return
			}
			req.resolve(n)
		}
	}

	sent, err := s.transmit(ctx, req)
	if errors.Is(err, errDraining) {
		s.abandon(req, inserted, sent)
		return
	}
	s.complete(ctx, req, inserted, err)
}

// transmit sends req once per address per attempt. Broadcast mode makes
// req.retries attempts; a WINS server gets a single attempt. Any send error
// aborts the whole request. sent reports whether anything went out.
func (s *Server) transmit(ctx context.Context, req *request) (sent bool, err error) {
	broadcast := !s.cfg.HasWINS()
	attempts := 1
	if broadcast {
		attempts = req.retries
	}
	op := s.opcode(req)

	for range attempts {
		if ctx.Err() != nil {
			return sent, nil
		}
		if s.interrupted(req) {
			return sent, errDraining
		}
		for i := range req.name.Addrs {
			p, err := NewRequest(op, req.id, req.name, i, broadcast)
			if err != nil {
				return sent, err
			}
			if err := s.sendRequest(p, broadcast); err != nil {
				return sent, err
			}
			sent = true
		}
		if !s.pause(ctx, req) {
			break
		}
	}
	if s.interrupted(req) {
		return sent, errDraining
	}
	return sent, nil
}

// interrupted reports whether shutdown has cut req short. Releases always
// run to completion.
func (s *Server) interrupted(req *request) bool {
	return req.kind != deleteRequest && s.isDraining()
}

// abandon drops a request cut short by shutdown. A registration that already
// went out is released again when names are released on shutdown.
func (s *Server) abandon(req *request, inserted, sent bool) {
	if inserted {
		s.local.remove(req.key)
		s.observeTables()
	}
	req.setState(stateErrored)
	s.metrics.requestDone(req.kind, "aborted")
	s.logger.Debug("Request abandoned on shutdown", "request", req)

	if req.kind == addRequest && sent && s.cfg.ReleaseOnShutdown {
		s.queue.push(s.releaseRequest(req.name))
	}
}

func (s *Server) opcode(req *request) Opcode {
	switch req.kind {
	case deleteRequest:
		return OpRelease
	case refreshRequest:
		return OpRefresh
	}
	if s.cfg.HasWINS() && len(req.name.Addrs) > 1 {
		return OpMultiHomedRegister
	}
	return OpRegister
}

// pause waits out the retry interval. It reports false when the request was
// answered or the handler is stopping.
func (s *Server) pause(ctx context.Context, req *request) bool {
	timer := time.NewTimer(req.interval)
	defer timer.Stop()

	var draining <-chan struct{}
	if req.kind != deleteRequest {
		draining = s.draining
	}
	select {
	case <-ctx.Done():
		return false
	case <-draining:
		return false
	case <-req.settled:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Server) sendRequest(p *Packet, broadcast bool) error {
	if broadcast {
		return s.send(p, netip.AddrPortFrom(s.cfg.BroadcastAddress, uint16(s.cfg.Port)))
	}
	err := s.send(p, netip.AddrPortFrom(s.cfg.PrimaryWINS, uint16(s.cfg.Port)))
	if err != nil && s.cfg.SecondaryWINS.IsValid() {
		s.logger.Warn("Primary WINS server failed, trying secondary",
			"primary", s.cfg.PrimaryWINS, "secondary", s.cfg.SecondaryWINS, "error", err)
		err = s.send(p, netip.AddrPortFrom(s.cfg.SecondaryWINS, uint16(s.cfg.Port)))
	}
	return err
}

func (s *Server) send(p *Packet, to netip.AddrPort) error {
	t := s.conn()
	if t == nil {
		return ErrSocketNotInitialized
	}
	p.Scope = s.cfg.Scope
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	if err := t.WriteTo(b, to); err != nil {
		s.metrics.socketError()
		return fmt.Errorf("failed to send %s to %s: %w", p.Kind(), to, err)
	}
	s.metrics.sent(p.Kind())
	s.logger.Debug("Sent packet", "kind", p.Kind(), "tid", p.ID, "to", to)
	return nil
}

// complete applies the outcome of req to the local table and tells the
// listeners about it.
func (s *Server) complete(ctx context.Context, req *request, inserted bool, ioErr error) {
	defer s.observeTables()
	key := req.key

	if ctx.Err() != nil {
		s.abandon(req, inserted, false)
		return
	}

	if ioErr != nil {
		req.errored.Store(true)
	}
	rcode, granted, acked := req.outcome()

	if req.errored.Load() {
		req.setState(stateErrored)
	} else {
		req.setState(stateSucceeded)
	}

	now := time.Now()
	expiry := now.Add(req.name.TTL)
	if acked && granted > 0 {
		expiry = now.Add(time.Duration(granted) * time.Second)
	}

	switch req.kind {
	case addRequest:
		switch {
		case ioErr != nil:
			if inserted {
				s.local.remove(key)
			}
			s.metrics.requestDone(req.kind, "io_error")
			s.logger.Error("Failed to register name", "name", key, "error", ioErr)
			s.events.fireAdd(nameEvent(req.name, AddIOError))
		case rcode != RCodeOK:
			if inserted {
				s.local.remove(key)
			}
			status := AddFailed
			if rcode.duplicate() {
				status = AddDuplicate
			}
			s.metrics.requestDone(req.kind, "negative")
			s.logger.Warn("Name registration refused", "name", key, "rcode", rcode)
			s.events.fireAdd(nameEvent(req.name, status))
		default:
			if !s.confirm(req.name, expiry) {
				s.abandon(req, inserted, true)
				return
			}
			s.metrics.requestDone(req.kind, "success")
			s.logger.Info("Registered name", "name", key, "addrs", req.name.Addrs, "expiry", expiry)
			s.events.fireAdd(nameEvent(req.name, AddSuccess))
		}

	case deleteRequest:
		if ioErr != nil {
			s.metrics.requestDone(req.kind, "io_error")
			s.logger.Warn("Failed to release name", "name", key, "error", ioErr)
			return
		}
		s.local.remove(key)
		s.metrics.requestDone(req.kind, "success")
		s.logger.Info("Released name", "name", key)

	case refreshRequest:
		switch {
		case ioErr != nil:
			s.metrics.requestDone(req.kind, "io_error")
			s.logger.Error("Failed to refresh name", "name", key, "error", ioErr)
			s.events.fireAdd(nameEvent(req.name, RefreshIOError))
		case rcode != RCodeOK:
			s.metrics.requestDone(req.kind, "negative")
			s.logger.Warn("Name refresh refused", "name", key, "rcode", rcode)
		default:
			if !s.local.touch(key, expiry) {
				s.metrics.requestDone(req.kind, "stale")
				return
			}
			s.metrics.requestDone(req.kind, "success")
			s.logger.Debug("Refreshed name", "name", key, "expiry", expiry)
			s.events.fireAdd(nameEvent(req.name, RefreshName))
		}
	}
}

// confirm marks n registered unless shutdown has begun. It holds mu so a
// name is either confirmed before the release snapshot or left to abandon.
func (s *Server) confirm(n Name, expiry time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isDraining() {
		return false
	}
	s.local.confirm(n, expiry)
	return true
}

// listen is the receive loop. Read errors during shutdown end it quietly;
// any other error is logged and the loop carries on, unless the socket
// itself is gone.
func (s *Server) listen(ctx context.Context) error {
	t := s.conn()
	if t == nil {
		return ErrSocketNotInitialized
	}
	s.logger.Info("Starting name service listener", "port", s.cfg.Port)

	buf := make([]byte, maxDatagramLen)
	for {
		n, from, err := t.ReadFrom(buf)
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil {
				s.logger.Info("Stopping name service listener")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("name service socket closed unexpectedly: %w", err)
			}
			s.metrics.socketError()
			s.logger.Error("Failed to read from UDP", "error", err)
			continue
		}
		s.handlePacket(buf[:n], from)
	}
}

func (s *Server) handlePacket(b []byte, from netip.AddrPort) {
	p, err := Decode(b)
	if err != nil {
		s.metrics.dropped("malformed")
		s.logger.Warn("Dropping malformed packet", "from", from, "error", err)
		return
	}
	kind := p.Kind()
	s.metrics.received(kind)
	s.logger.Debug("Received packet", "kind", kind, "tid", p.ID, "from", from)

	if !strings.EqualFold(p.Scope, s.cfg.Scope) {
		s.metrics.dropped("scope")
		s.logger.Debug("Ignoring packet for another scope", "scope", p.Scope, "from", from)
		return
	}

	switch kind {
	case KindNameQuery:
		s.handleQuery(p, from)
	case KindNameRegister, KindNameRegisterMulti, KindNameRefresh:
		s.handleRegister(p, from)
	case KindNameRelease:
		s.handleRelease(p, from)
	case KindRegisterResponse:
		s.handleRegisterResponse(p, from)
	case KindQueryResponse, KindReleaseResponse, KindWACK:
		s.logger.Debug("Ignoring response", "kind", kind, "tid", p.ID, "from", from)
	default:
		s.logger.Debug("Dropping packet with unknown opcode", "opcode", p.Opcode, "from", from)
	}
}

func (s *Server) handleQuery(p *Packet, from netip.AddrPort) {
	if p.NodeStatus {
		s.logger.Debug("Ignoring node status request", "from", from)
		return
	}
	n, ok := s.local.find(p.Question)
	if !ok {
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.dropped("rate_limited")
		s.logger.Warn("Query rate limit exceeded", "name", n, "from", from)
		return
	}

	if err := s.send(NewQueryResponse(p.ID, n), from); err != nil {
		s.logger.Error("Failed to answer query", "name", n, "to", from, "error", err)
		return
	}
	s.events.fireQuery(queryEvent(n, from.Addr()))
}

func (s *Server) handleRegister(p *Packet, from netip.AddrPort) {
	if p.Record == nil {
		s.metrics.dropped("malformed")
		s.logger.Warn("Dropping registration without a record", "from", from)
		return
	}
	if s.ownEcho(p, from) {
		return
	}
	rec := p.Record

	if s.cfg.DefendNames && p.Broadcast && !rec.Group {
		if n, ok := s.local.find(rec.Key); ok && n.Registered() && !n.Group {
			s.logger.Warn("Defending name against registration", "name", rec.Key, "from", from)
			if err := s.send(NewRegisterResponse(p.ID, n, RCodeActive), from); err != nil {
				s.logger.Error("Failed to defend name", "name", rec.Key, "to", from, "error", err)
			}
			return
		}
	}

	s.remote.record(RemoteName{
		Name:  rec.Key.Name,
		Type:  rec.Key.Type,
		Group: rec.Group,
		From:  from.Addr(),
		Addrs: rec.Addrs,
		Seen:  time.Now(),
	})
	s.observeTables()
	s.logger.Debug("Remote name registered", "name", rec.Key, "addrs", rec.Addrs, "from", from)
	s.events.fireRemote(newEvent(rec.Key.Name, rec.Key.Type, rec.Group, rec.Addrs, RegisterName, from.Addr()))
}

func (s *Server) handleRelease(p *Packet, from netip.AddrPort) {
	if p.Record == nil {
		s.metrics.dropped("malformed")
		s.logger.Warn("Dropping release without a record", "from", from)
		return
	}
	if s.ownEcho(p, from) {
		return
	}
	rec := p.Record

	_, cached := s.remote.forget(rec.Key)
	s.observeTables()
	s.logger.Debug("Remote name released", "name", rec.Key, "cached", cached, "from", from)
	s.events.fireRemote(newEvent(rec.Key.Name, rec.Key.Type, rec.Group, rec.Addrs, ReleaseName, from.Addr()))
}

// handleRegisterResponse correlates a registration response with the
// outstanding request carrying the same transaction id.
func (s *Server) handleRegisterResponse(p *Packet, from netip.AddrPort) {
	req := s.queue.find(p.ID)
	if req == nil {
		s.logger.Debug("No outstanding request for response", "tid", p.ID, "from", from)
		return
	}
	var ttl uint32
	if p.Record != nil {
		if p.Record.Key != req.key {
			s.logger.Debug("Response name does not match request", "tid", p.ID, "name", p.Record.Key, "request", req)
			return
		}
		ttl = p.Record.TTL
	}

	req.settle(p.RCode, ttl)
	if p.RCode != RCodeOK {
		s.logger.Warn("Negative registration response", "name", req.key, "rcode", p.RCode, "from", from)
	}
}

// ownEcho reports whether p is one of our own broadcasts looping back.
func (s *Server) ownEcho(p *Packet, from netip.AddrPort) bool {
	req := s.queue.find(p.ID)
	return req != nil && req.key == p.Record.Key && containsAddr(req.addrs(), from.Addr())
}
