// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import "sync/atomic"

// counters is the manager's minimum counter set (spec §4.3
// "Counters"). Every field is touched only from the Manager's single
// tick-driving goroutine (spec §5), so plain atomics are a convenience
// for lock-free reads from the metrics collector, not a concurrency
// requirement.
type counters struct {
	routeErrors           atomic.Uint64
	protocolErrors        atomic.Uint64
	authenticationErrors  atomic.Uint64
	publicKeyErrors       atomic.Uint64
	negotiationsInitiated atomic.Uint64
	negotiationsExpired   atomic.Uint64
	noncesNegotiated      atomic.Uint64
	keypairsNegotiated    atomic.Uint64
	keypairsExpired       atomic.Uint64
}

// rxErrors is the sum of the four categorised error counters (spec
// §4.3: "rxerrors is the sum of the four categorised error counters").
func (c *counters) rxErrors() uint64 {
	return c.routeErrors.Load() + c.protocolErrors.Load() +
		c.authenticationErrors.Load() + c.publicKeyErrors.Load()
}

// counterSnapshot is a point-in-time, non-atomic-as-a-whole read of every
// counter, used by the Prometheus collector on scrape.
type counterSnapshot struct {
	RxErrors              uint64
	RouteErrors           uint64
	ProtocolErrors        uint64
	AuthenticationErrors  uint64
	PublicKeyErrors       uint64
	NegotiationsInitiated uint64
	NegotiationsExpired   uint64
	NoncesNegotiated      uint64
	KeypairsNegotiated    uint64
	KeypairsExpired       uint64
}

func (c *counters) snapshot() counterSnapshot {
	return counterSnapshot{
		RxErrors:              c.rxErrors(),
		RouteErrors:           c.routeErrors.Load(),
		ProtocolErrors:        c.protocolErrors.Load(),
		AuthenticationErrors:  c.authenticationErrors.Load(),
		PublicKeyErrors:       c.publicKeyErrors.Load(),
		NegotiationsInitiated: c.negotiationsInitiated.Load(),
		NegotiationsExpired:   c.negotiationsExpired.Load(),
		NoncesNegotiated:      c.noncesNegotiated.Load(),
		KeypairsNegotiated:    c.keypairsNegotiated.Load(),
		KeypairsExpired:       c.keypairsExpired.Load(),
	}
}
