// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import "errors"

// FSM error kinds, as named in the protocol design: an operation called
// in a state that disallows it, a failed HMAC verification on a key
// message, an unsafe (all-zero) X25519 shared secret, or a deadline that
// has elapsed.
var (
	ErrProtocol       = errors.New("protocol")
	ErrAuthentication = errors.New("authentication")
	ErrParameter      = errors.New("parameter")
	ErrExpired        = errors.New("expired")
)

// Manager-level errors.
var (
	ErrRouteNotFound       = errors.New("route not found")
	ErrMalformedHeader     = errors.New("malformed transport header")
	ErrMalformedBody       = errors.New("malformed message body")
	ErrSPICollision        = errors.New("ephemeral SPI collision")
	ErrMissingGateway      = errors.New("route has no gateway configured")
	ErrDuplicateRouteID    = errors.New("duplicate route id")
	ErrInvalidPresharedKey = errors.New("pre-shared key must be exactly 32 bytes")
)
