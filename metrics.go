// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import "github.com/prometheus/client_golang/prometheus"

// managerCollector implements prometheus.Collector, reading the
// Manager's counters on each scrape rather than updating Prometheus
// metrics on the hot path — the canonical values stay the Manager's own
// atomic counters (spec §4.3 "Counters as metrics").
type managerCollector struct {
	m *Manager

	rxErrors              *prometheus.Desc
	routeErrors           *prometheus.Desc
	protocolErrors        *prometheus.Desc
	authenticationErrors  *prometheus.Desc
	publicKeyErrors       *prometheus.Desc
	negotiationsInitiated *prometheus.Desc
	negotiationsExpired   *prometheus.Desc
	noncesNegotiated      *prometheus.Desc
	keypairsNegotiated    *prometheus.Desc
	keypairsExpired       *prometheus.Desc
	routesTotal           *prometheus.Desc
}

// NewCollector builds a prometheus.Collector backed by m's counters, for
// registration with a prometheus.Registry or promhttp.Handler.
func NewCollector(m *Manager) prometheus.Collector {
	return &managerCollector{
		m: m,

		rxErrors: prometheus.NewDesc(
			"vita_rx_errors_total", "Sum of the four categorised error counters.", nil, nil),
		routeErrors: prometheus.NewDesc(
			"vita_route_errors_total", "Inbound datagrams with no matching route.", nil, nil),
		protocolErrors: prometheus.NewDesc(
			"vita_protocol_errors_total", "FSM operations rejected by the transition table, or malformed datagrams.", nil, nil),
		authenticationErrors: prometheus.NewDesc(
			"vita_authentication_errors_total", "Key messages rejected for a bad HMAC.", nil, nil),
		publicKeyErrors: prometheus.NewDesc(
			"vita_public_key_errors_total", "Exchanges rejected for an unsafe peer public key.", nil, nil),
		negotiationsInitiated: prometheus.NewDesc(
			"vita_negotiations_initiated_total", "Exchanges initiated by this node.", nil, nil),
		negotiationsExpired: prometheus.NewDesc(
			"vita_negotiations_expired_total", "In-flight exchanges reset after their negotiation deadline.", nil, nil),
		noncesNegotiated: prometheus.NewDesc(
			"vita_nonces_negotiated_total", "Nonce messages accepted.", nil, nil),
		keypairsNegotiated: prometheus.NewDesc(
			"vita_keypairs_negotiated_total", "Completed exchanges that derived a new SA pair.", nil, nil),
		keypairsExpired: prometheus.NewDesc(
			"vita_keypairs_expired_total", "SA pairs torn down on sa_timeout.", nil, nil),
		routesTotal: prometheus.NewDesc(
			"vita_routes", "Configured routes by lifecycle status.", []string{"status"}, nil),
	}
}

func (c *managerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxErrors
	ch <- c.routeErrors
	ch <- c.protocolErrors
	ch <- c.authenticationErrors
	ch <- c.publicKeyErrors
	ch <- c.negotiationsInitiated
	ch <- c.negotiationsExpired
	ch <- c.noncesNegotiated
	ch <- c.keypairsNegotiated
	ch <- c.keypairsExpired
	ch <- c.routesTotal
}

func (c *managerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Counters()

	ch <- prometheus.MustNewConstMetric(c.rxErrors, prometheus.CounterValue, float64(s.RxErrors))
	ch <- prometheus.MustNewConstMetric(c.routeErrors, prometheus.CounterValue, float64(s.RouteErrors))
	ch <- prometheus.MustNewConstMetric(c.protocolErrors, prometheus.CounterValue, float64(s.ProtocolErrors))
	ch <- prometheus.MustNewConstMetric(c.authenticationErrors, prometheus.CounterValue, float64(s.AuthenticationErrors))
	ch <- prometheus.MustNewConstMetric(c.publicKeyErrors, prometheus.CounterValue, float64(s.PublicKeyErrors))
	ch <- prometheus.MustNewConstMetric(c.negotiationsInitiated, prometheus.CounterValue, float64(s.NegotiationsInitiated))
	ch <- prometheus.MustNewConstMetric(c.negotiationsExpired, prometheus.CounterValue, float64(s.NegotiationsExpired))
	ch <- prometheus.MustNewConstMetric(c.noncesNegotiated, prometheus.CounterValue, float64(s.NoncesNegotiated))
	ch <- prometheus.MustNewConstMetric(c.keypairsNegotiated, prometheus.CounterValue, float64(s.KeypairsNegotiated))
	ch <- prometheus.MustNewConstMetric(c.keypairsExpired, prometheus.CounterValue, float64(s.KeypairsExpired))

	byStatus := map[RouteStatus]int{}
	for _, r := range c.m.routes {
		byStatus[r.Status]++
	}
	for _, status := range []RouteStatus{RouteExpired, RouteRekey, RouteReady} {
		ch <- prometheus.MustNewConstMetric(c.routesTotal, prometheus.GaugeValue, float64(byStatus[status]), status.String())
	}
}
