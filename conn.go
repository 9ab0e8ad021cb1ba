// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import "net"

// InboundPacket is one received, IP-deframed vita-ske1 payload: a
// Transport header followed by its body, exactly as it travels between
// peers (spec §6). The Manager — not Conn — parses the Transport header,
// so Conn's only job is IP encapsulation.
type InboundPacket struct {
	Payload []byte
	From    net.IP
}

// Conn is the transport the Manager drives. Open starts receiving and
// returns a channel the Manager drains non-blockingly each tick; Send
// wraps a pre-framed Transport+body payload in an IP header and
// transmits it; Close releases the underlying socket. Implementations
// must never block the Manager's tick: Open's channel is filled from the
// implementation's own goroutine, not from inside Tick.
type Conn interface {
	Open() (<-chan InboundPacket, error)
	Send(dst net.IP, payload []byte) error
	Close() error
}
