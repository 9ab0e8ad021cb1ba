// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"
)

// RouteSpec is the minimal configuration of one route, the input the
// Manager needs to create or reconcile it. It carries no behaviour of
// its own so that the config package can build one without importing
// anything beyond this package's exported types.
type RouteSpec struct {
	ID           string
	Gateway      net.IP
	PresharedKey PresharedKey
	RouteSPI     SPI
}

// Config is the Manager's construction-time configuration, mirroring
// the teacher's Server Config.
type Config struct {
	NodeAddr       net.IP
	NegotiationTTL time.Duration
	SATTL          time.Duration
	SADatabasePath string
	Routes         []RouteSpec

	Conn Conn

	Logger *slog.Logger
}

// Manager is the per-process controller: it owns one Protocol FSM per
// configured route, drives time-based transitions, dispatches inbound
// datagrams, maintains the SA database, and publishes it (spec §4.3).
// It is single-threaded cooperative: every exported method except Run,
// RequestReload, Counters and Close is meant to be called only from the
// goroutine driving Tick.
type Manager struct {
	nodeAddr       net.IP
	negotiationTTL time.Duration
	saTTL          time.Duration

	routes      map[string]*Route
	routesBySPI map[SPI]*Route

	spiAlloc *spiAllocator
	db       *sadb

	conn      Conn
	recv      <-chan InboundPacket
	closeConn bool

	reloadRequests chan reloadRequest

	counters counters
	audit    *auditLog
	logger   *slog.Logger
}

// reloadRequest carries a pending Reload call from whatever goroutine
// requested it to Run's own goroutine, the only one allowed to touch
// Manager state alongside Tick (spec §5, §4.3 "Reload triggers").
type reloadRequest struct {
	specs          []RouteSpec
	negotiationTTL time.Duration
	saTTL          time.Duration
}

// NewManager builds a Manager, opens its transport and publishes an
// initial, empty SA database, returning an error if that database cannot
// be written. It does not start the tick loop; call Run (or drive Tick
// yourself) to do that.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("manager requires a Conn")
	}
	if cfg.NegotiationTTL <= 0 {
		cfg.NegotiationTTL = 5 * time.Second
	}
	if cfg.SATTL <= 0 {
		cfg.SATTL = 600 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		nodeAddr:       cfg.NodeAddr,
		negotiationTTL: cfg.NegotiationTTL,
		saTTL:          cfg.SATTL,
		routes:         make(map[string]*Route, len(cfg.Routes)),
		routesBySPI:    make(map[SPI]*Route, len(cfg.Routes)),
		spiAlloc:       &spiAllocator{},
		db:             newSADB(cfg.SADatabasePath),
		conn:           cfg.Conn,
		logger:         logger,
		audit:          newAuditLog(logger, 20, 5),
		reloadRequests: make(chan reloadRequest, 1),
	}

	recv, err := m.conn.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	m.recv = recv

	for _, spec := range cfg.Routes {
		m.addRoute(spec)
	}

	// A zero flush time leaves the publish throttle open for the first
	// real update.
	if err := m.db.flush(time.Time{}, snapshot(m.routes)); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) addRoute(spec RouteSpec) {
	r := NewRoute(spec.ID, spec.Gateway, spec.PresharedKey, spec.RouteSPI, m.spiAlloc)
	m.routes[spec.ID] = r
	m.routesBySPI[spec.RouteSPI] = r
}

func (m *Manager) removeRoute(r *Route) {
	delete(m.routes, r.ID)
	delete(m.routesBySPI, r.RouteSPI)

	if r.RxSA != nil {
		m.db.unregisterInbound(r.RxSA.SPI, r.ID)
	}
	if r.PrevRxSA != nil {
		m.db.unregisterInbound(r.PrevRxSA.SPI, r.ID)
	}
	m.db.markDirty()
}

// Close stops accepting new input by closing the transport. It does not
// flush the SA database; callers that need a final flush should call
// Tick once more with a dirty database before calling Close.
func (m *Manager) Close() error {
	return m.conn.Close()
}

// Run drives Tick at the given interval until ctx is cancelled, mirroring
// the teacher's single goroutine driving protocol work, except here the
// loop calls Tick rather than waiting on timers (spec §5). It also drains
// reload requests queued by RequestReload, applying them here rather than
// on the caller's goroutine so Reload never runs concurrently with Tick.
func (m *Manager) Run(ctx context.Context, tickInterval time.Duration) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Tick(now)
		case req := <-m.reloadRequests:
			m.Reload(req.specs, req.negotiationTTL, req.saTTL)
		}
	}
}

// RequestReload queues a reconfiguration to be applied from Run's own
// goroutine at the next opportunity, instead of calling Reload directly
// (spec §4.3 "Reload triggers": reload must "always run synchronously
// inside a tick boundary, never concurrently with Tick"). If a request is
// already pending, this one replaces it rather than blocking the caller.
func (m *Manager) RequestReload(specs []RouteSpec, negotiationTTL, saTTL time.Duration) {
	req := reloadRequest{specs: specs, negotiationTTL: negotiationTTL, saTTL: saTTL}

	select {
	case m.reloadRequests <- req:
	default:
		select {
		case <-m.reloadRequests:
		default:
		}
		m.reloadRequests <- req
	}
}

// Tick runs exactly one pass of the per-tick control loop (spec §4.3):
// drain inbound datagrams, advance each route's timers, then flush the
// SA database if it is dirty and the publish throttle allows it. The
// ordering within a tick is load-bearing: a nonce received in this tick
// is processed against the FSM's state before that FSM's deadline is
// polled.
func (m *Manager) Tick(now time.Time) {
	m.drainInbound(now)

	for _, r := range m.routes {
		m.tickRoute(now, r)
	}

	if m.db.shouldFlush(now) {
		if err := m.db.flush(now, snapshot(m.routes)); err != nil {
			m.logger.Error("failed to publish SA database", "error", err)
		}
	}
}

// drainInbound implements step 1 of the control loop: process every
// datagram already waiting on the transport's channel, without blocking
// on the channel ever being empty.
func (m *Manager) drainInbound(now time.Time) {
	for {
		select {
		case pkt := <-m.recv:
			m.handlePacket(now, pkt)
		default:
			return
		}
	}
}

func (m *Manager) handlePacket(now time.Time, pkt InboundPacket) {
	routeSPI, typ, body, err := decodeDatagram(pkt.Payload)
	if err != nil {
		m.counters.protocolErrors.Add(1)
		return
	}

	r, ok := m.routesBySPI[routeSPI]
	if !ok {
		m.counters.routeErrors.Add(1)
		return
	}

	switch typ {
	case msgTypeNonce:
		m.handleNonce(now, r, body)
	case msgTypeKey:
		m.handleKey(now, r, body)
	}
}

func (m *Manager) handleNonce(now time.Time, r *Route, body []byte) {
	var in nonceMsg
	if err := in.UnmarshalBinary(body); err != nil {
		m.counters.protocolErrors.Add(1)
		return
	}

	reply, err := r.fsm.ReceiveNonce(now, m.negotiationTTL, &in)
	if err != nil {
		m.countFSMError(r, err)
		return
	}

	m.counters.noncesNegotiated.Add(1)
	m.audit.record("nonce exchanged", "route", r.ID)

	if reply != nil {
		m.send(r, encodeNonce(r.RouteSPI, reply))
		// The FSM stays idle holding the scratch the peer's key message
		// will be verified against. Hold off this route's own initiation
		// for one negotiation window so step 6 of the control loop does
		// not replace that scratch with a fresh exchange of its own.
		r.armNegotiationDelay(now, m.negotiationTTL, negotiationJitter())
		return
	}

	// receive_nonce just moved wait_nonce -> send_key: exchange_key has
	// no tick-gated trigger of its own, so the manager advances it in
	// the same dispatch (spec §8 scenario 4).
	if r.fsm.status == fsmSendKey {
		m.advanceSendKey(r)
	}
}

func (m *Manager) advanceSendKey(r *Route) {
	msg, err := r.fsm.ExchangeKey()
	if err != nil {
		m.countFSMError(r, err)
		return
	}
	m.send(r, encodeKey(r.RouteSPI, msg))
}

func (m *Manager) handleKey(now time.Time, r *Route, body []byte) {
	var in keyMsg
	if err := in.UnmarshalBinary(body); err != nil {
		m.counters.protocolErrors.Add(1)
		return
	}

	reply, err := r.fsm.ReceiveKey(&in)
	if err != nil {
		m.countFSMError(r, err)
		return
	}

	if reply != nil {
		m.send(r, encodeKey(r.RouteSPI, reply))
	}

	m.audit.record("key exchange completed", "route", r.ID)
	m.completeExchange(now, r)
}

// completeExchange derives the (rx, tx) pair for a just-completed
// exchange and installs it, enforcing the global inbound-SPI uniqueness
// invariant before touching any route state (spec §4.3 "Installing a
// derived key pair").
func (m *Manager) completeExchange(now time.Time, r *Route) {
	kp, err := r.fsm.DeriveEphemeralKeys()
	if err != nil {
		if errors.Is(err, ErrParameter) {
			m.counters.publicKeyErrors.Add(1)
		}
		m.audit.record("failed to derive ephemeral keys", "route", r.ID, "error", err)
		return
	}

	if owner, collides := m.db.checkInboundCollision(kp.RX.SPI, r.ID); collides {
		m.fatal(fmt.Errorf("%w: spi %s already owned by route %q", ErrSPICollision, kp.RX.SPI, owner))
		return
	}

	discardedPrevRx := r.PrevRxSA

	r.installDerivedKeys(now, kp, m.negotiationTTL, m.saTTL, m.rekeyJitter())

	if discardedPrevRx != nil {
		m.db.unregisterInbound(discardedPrevRx.SPI, r.ID)
	}
	m.db.registerInbound(kp.RX.SPI, r.ID)

	m.counters.keypairsNegotiated.Add(1)
	m.audit.record("keypair negotiated", "route", r.ID, "rx_spi", kp.RX.SPI.String(), "tx_spi", kp.TX.SPI.String())
}

// tickRoute runs control-loop steps 2–7 for a single route.
func (m *Manager) tickRoute(now time.Time, r *Route) {
	// Step 2: deadline expiry.
	if r.fsm.ResetIfExpired(now) {
		m.counters.negotiationsExpired.Add(1)
		m.audit.record("negotiation expired", "route", r.ID)
		r.armNegotiationDelay(now, m.negotiationTTL, negotiationJitter())
	}

	// Step 3: sa_timeout.
	if r.Status > RouteExpired && saTimeoutFired(r, now) {
		m.counters.keypairsExpired.Add(1)
		m.audit.record("SA expired", "route", r.ID)
		if r.RxSA != nil {
			m.db.unregisterInbound(r.RxSA.SPI, r.ID)
		}
		if r.PrevRxSA != nil {
			m.db.unregisterInbound(r.PrevRxSA.SPI, r.ID)
		}
		r.expire()
		m.db.markDirty()
	}

	// Step 4: prev_sa_timeout, independent of sa_timeout.
	if prevSATimeoutFired(r, now) {
		if r.PrevRxSA != nil {
			m.db.unregisterInbound(r.PrevRxSA.SPI, r.ID)
		}
		r.clearPrevRxSA()
		m.db.markDirty()
	}

	// Step 5: rekey_timeout.
	if r.Status > RouteRekey && rekeyTimeoutFired(r, now) {
		r.downgradeToRekey()
	}

	// Step 6: initiate a fresh exchange if due.
	if r.Status < RouteReady && r.eligibleToInitiate(now) {
		nonce, err := r.fsm.InitiateExchange(now, m.negotiationTTL)
		if err == nil {
			m.counters.negotiationsInitiated.Add(1)
			m.audit.record("negotiation initiated", "route", r.ID)
			m.send(r, encodeNonce(r.RouteSPI, nonce))
		}
	}

	// Step 7: promote a pending outbound SA once its delay has elapsed.
	if r.NextTxSA != nil && !now.Before(r.nextTxSAActivationDelay) {
		r.promoteNextTxSA()
		m.db.markDirty()
	}
}

func saTimeoutFired(r *Route, now time.Time) bool {
	return !r.saTimeout.IsZero() && !now.Before(r.saTimeout)
}

func prevSATimeoutFired(r *Route, now time.Time) bool {
	return r.PrevRxSA != nil && !r.prevSATimeout.IsZero() && !now.Before(r.prevSATimeout)
}

func rekeyTimeoutFired(r *Route, now time.Time) bool {
	return !r.rekeyTimeout.IsZero() && !now.Before(r.rekeyTimeout)
}

// rekeyJitter and negotiationJitter realize the uniform(0, 0.25) second
// anti-synchronisation jitter named in spec §9, in the style of the
// teacher's retransmission jitter in handshake.go.
func (m *Manager) rekeyJitter() time.Duration {
	return time.Duration(rand.Float64() * float64(250*time.Millisecond))
}

func negotiationJitter() time.Duration {
	return time.Duration(rand.Float64() * float64(250*time.Millisecond))
}

func (m *Manager) countFSMError(r *Route, err error) {
	switch {
	case errors.Is(err, ErrProtocol):
		m.counters.protocolErrors.Add(1)
	case errors.Is(err, ErrAuthentication):
		m.counters.authenticationErrors.Add(1)
	case errors.Is(err, ErrParameter):
		m.counters.publicKeyErrors.Add(1)
	}
	m.audit.record("fsm error", "route", r.ID, "error", err)
}

func (m *Manager) send(r *Route, payload []byte) {
	if err := m.conn.Send(r.Gateway, payload); err != nil {
		m.logger.Error("failed to send", "route", r.ID, "error", err)
	}
}

// fatal handles the process-abort condition that can arise inside a
// tick: an ephemeral SPI collision with an existing inbound SA. Startup
// failures, such as an SA database that cannot be written, are returned
// as errors from NewManager instead. It mirrors the teacher's
// cmd/main.go top-level error handling idiom.
func (m *Manager) fatal(err error) {
	m.logger.Error("fatal condition", "error", err)
	os.Exit(1)
}

// Counters returns a point-in-time snapshot for metrics export.
func (m *Manager) Counters() counterSnapshot {
	return m.counters.snapshot()
}

// Reload reconciles the route set against a fresh list of specs, plus
// the process-wide timeouts (spec §4.3 "Reconfiguration"): routes
// present in both, with unchanged PSK and route-SPI, are left untouched
// except for a fresh FSM when negotiation_ttl itself changed (their SAs
// and timers survive); routes whose PSK or route-SPI changed are torn
// down and recreated; routes absent from specs are torn down; new
// routes are created fresh.
func (m *Manager) Reload(specs []RouteSpec, negotiationTTL, saTTL time.Duration) {
	ttlChanged := negotiationTTL > 0 && negotiationTTL != m.negotiationTTL
	if negotiationTTL > 0 {
		m.negotiationTTL = negotiationTTL
	}
	if saTTL > 0 {
		m.saTTL = saTTL
	}

	seen := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		seen[spec.ID] = struct{}{}

		cur, exists := m.routes[spec.ID]
		if !exists {
			m.addRoute(spec)
			m.audit.record("route added", "route", spec.ID)
			continue
		}

		if cur.PresharedKey != spec.PresharedKey || cur.RouteSPI != spec.RouteSPI {
			m.removeRoute(cur)
			m.addRoute(spec)
			m.audit.record("route recreated (psk/spi changed)", "route", spec.ID)
			continue
		}

		// Identity unchanged: keep SAs and timers intact. Gateway
		// address may have changed (e.g. peer renumbering) without
		// affecting cryptographic state.
		cur.Gateway = spec.Gateway

		if ttlChanged {
			cur.fsm = NewFSM(cur.ID, cur.RouteSPI, cur.PresharedKey, m.spiAlloc)
			m.audit.record("fsm reset (negotiation_ttl changed)", "route", spec.ID)
		}
	}

	for id, r := range m.routes {
		if _, ok := seen[id]; !ok {
			m.removeRoute(r)
			m.audit.record("route removed", "route", id)
		}
	}
}
