// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"net"
	"time"
)

// Route is a configured tunnel to one peer gateway: the long-lived unit
// that owns a Protocol FSM, up to four SA slots, and the timers that
// drive rekeying and cutover (spec §3 "Route").
type Route struct {
	ID           string
	Gateway      net.IP
	PresharedKey PresharedKey
	RouteSPI     SPI

	fsm *FSM

	Status RouteStatus

	// negotiationDelay is the absolute time after which this route is
	// next eligible to initiate an exchange. The zero Time means
	// "eligible now" — a freshly created route has no reason to wait.
	negotiationDelay time.Time

	RxSA     *SA
	PrevRxSA *SA
	TxSA     *SA
	NextTxSA *SA

	saTimeout               time.Time
	prevSATimeout           time.Time
	rekeyTimeout            time.Time
	nextTxSAActivationDelay time.Time
}

// NewRoute builds a fresh, SA-less route. It starts expired, so the
// manager's tick loop initiates an exchange for it on its first tick,
// unless that tick has already answered a nonce from the peer.
func NewRoute(id string, gateway net.IP, psk PresharedKey, routeSPI SPI, spiAlloc *spiAllocator) *Route {
	return &Route{
		ID:           id,
		Gateway:      gateway,
		PresharedKey: psk,
		RouteSPI:     routeSPI,
		fsm:          NewFSM(id, routeSPI, psk, spiAlloc),
		Status:       RouteExpired,
	}
}

// eligibleToInitiate reports whether this route's negotiation delay has
// elapsed, i.e. it may call initiate_exchange on this tick.
func (r *Route) eligibleToInitiate(now time.Time) bool {
	return r.negotiationDelay.IsZero() || !now.Before(r.negotiationDelay)
}

// armNegotiationDelay schedules the next allowed initiation after an
// expired negotiation, jittered to avoid synchronised retry storms
// (spec §4.3 step 2, §9 "Randomness in timers").
func (r *Route) armNegotiationDelay(now time.Time, negotiationTTL time.Duration, jitter time.Duration) {
	r.negotiationDelay = now.Add(negotiationTTL + jitter)
}

// teardownSAs clears all four SA slots and their timers, without
// touching the FSM or lifecycle status.
func (r *Route) teardownSAs() {
	r.RxSA = nil
	r.PrevRxSA = nil
	r.TxSA = nil
	r.NextTxSA = nil
	r.saTimeout = time.Time{}
	r.prevSATimeout = time.Time{}
	r.rekeyTimeout = time.Time{}
	r.nextTxSAActivationDelay = time.Time{}
}

// expire marks the route expired and tears down every SA slot (spec
// §4.3 step 3, triggered when sa_timeout fires on a route that is not
// already expired).
func (r *Route) expire() {
	r.Status = RouteExpired
	r.teardownSAs()
}

// clearPrevRxSA drops the cutover-window inbound SA only, leaving the
// current rx_sa and every outbound slot untouched (spec §4.3 step 4).
func (r *Route) clearPrevRxSA() {
	r.PrevRxSA = nil
	r.prevSATimeout = time.Time{}
}

// downgradeToRekey moves a ready route back to rekey, which makes it
// eligible for initiation again while its current SAs keep serving
// traffic (spec §4.3 step 5).
func (r *Route) downgradeToRekey() {
	if r.Status > RouteRekey {
		r.Status = RouteRekey
	}
}

// promoteNextTxSA activates a pending outbound SA once its activation
// delay has elapsed (spec §4.3 step 7).
func (r *Route) promoteNextTxSA() {
	r.TxSA = r.NextTxSA
	r.NextTxSA = nil
	r.nextTxSAActivationDelay = time.Time{}
}

// installDerivedKeys applies a freshly derived (rx, tx) pair to this
// route's SA slots and rearms its lifecycle timers (spec §4.3
// "Installing a derived key pair"). The caller is responsible for the
// global cross-route SPI collision check before calling this.
func (r *Route) installDerivedKeys(now time.Time, kp KeyPair, negotiationTTL, saTTL time.Duration, rekeyJitter time.Duration) {
	r.Status = RouteReady

	r.PrevRxSA = r.RxSA
	r.prevSATimeout = r.saTimeout

	rx := kp.RX
	r.RxSA = &rx

	tx := kp.TX
	if r.TxSA == nil || r.NextTxSA != nil {
		// No current outbound SA, or a successor is already pending
		// (stale): adopt the new one immediately.
		r.TxSA = &tx
		r.NextTxSA = nil
		r.nextTxSAActivationDelay = time.Time{}
	} else {
		r.NextTxSA = &tx
		r.nextTxSAActivationDelay = now.Add(time.Duration(1.5 * float64(negotiationTTL)))
	}

	r.saTimeout = now.Add(saTTL)
	r.rekeyTimeout = now.Add(saTTL/2 + rekeyJitter)
}
