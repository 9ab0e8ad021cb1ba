// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"log/slog"

	"golang.org/x/time/rate"
)

// auditLog emits the rate-limited, user-visible trail of state
// transitions named in spec §7 ("initiations, nonce exchanges, key
// completions, SA expiries, reconfig-induced resets"). It wraps a
// *slog.Logger the way the teacher wraps one per peer, but shares a
// single limiter across every route so one noisy route can't drown out
// the others' audit records.
type auditLog struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// newAuditLog builds an audit trail that allows eventsPerSecond events
// per second on average, with a burst allowance of burst events for legitimate simultaneous
// route activity (e.g. a reconfiguration touching many routes at once).
func newAuditLog(logger *slog.Logger, eventsPerSecond float64, burst int) *auditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditLog{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst),
	}
}

func (a *auditLog) record(msg string, args ...any) {
	if !a.limiter.Allow() {
		return
	}
	a.logger.Info(msg, args...)
}
