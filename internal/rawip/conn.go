// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package rawip implements vita.Conn over a raw IPv4 socket carrying IP
// protocol 99 ("any private encryption scheme"), the wire transport
// vita-ske1 runs over (spec §4.2, §6).
package rawip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"

	vita "github.com/vita-vpn/vita-keymgr"
)

// Protocol is the IP protocol number vita-ske1 datagrams travel under.
const Protocol = 99

const recvBufferSize = 2048

// Conn is a raw-socket vita.Conn. Its receive goroutine only decodes IP
// framing and enqueues payloads; it never touches Manager state, per
// spec §5's "in-memory link pre-drained by the host".
type Conn struct {
	sock      *socket.Conn
	localAddr net.IP
	closed    atomic.Bool
	recv      chan vita.InboundPacket
	logger    *slog.Logger
}

// Listen opens a raw IPv4 socket bound to localAddr for protocol 99.
func Listen(localAddr net.IP, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v4 := localAddr.To4()
	if v4 == nil {
		return nil, fmt.Errorf("local address %s is not IPv4", localAddr)
	}

	sock, err := socket.Socket(unix.AF_INET, unix.SOCK_RAW, Protocol, "vita-raw-ip", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket: %w", err)
	}

	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], v4)

	if err := sock.Bind(sa); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind raw socket: %w", err)
	}

	return &Conn{
		sock:      sock,
		localAddr: v4,
		recv:      make(chan vita.InboundPacket, 256),
		logger:    logger,
	}, nil
}

// Open starts the receive goroutine and returns its output channel.
func (c *Conn) Open() (<-chan vita.InboundPacket, error) {
	go c.receiveLoop()
	return c.recv, nil
}

func (c *Conn) receiveLoop() {
	buf := make([]byte, recvBufferSize)

	for {
		n, _, err := c.sock.Recvfrom(context.Background(), buf, 0)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Error("failed to receive raw IP packet", "error", err)
			continue
		}

		packet := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.DecodeOptions{
			Lazy:   true,
			NoCopy: true,
		})

		ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok || ipLayer.Protocol != layers.IPProtocol(Protocol) {
			continue
		}

		payload := make([]byte, len(ipLayer.Payload))
		copy(payload, ipLayer.Payload)

		pkt := vita.InboundPacket{
			Payload: payload,
			From:    append(net.IP{}, ipLayer.SrcIP...),
		}

		select {
		case c.recv <- pkt:
		default:
			c.logger.Warn("dropping inbound packet, receive queue full")
		}
	}
}

// Send wraps payload in an IPv4 header (spec §6: ttl 64, protocol 99)
// and transmits it to dst.
func (c *Conn) Send(dst net.IP, payload []byte) error {
	v4 := dst.To4()
	if v4 == nil {
		return fmt.Errorf("destination address %s is not IPv4", dst)
	}

	buffer := gopacket.NewSerializeBuffer()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocol(Protocol),
		SrcIP:    c.localAddr,
		DstIP:    v4,
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, opts, ip, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize packet: %w", err)
	}

	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], v4)

	return c.sock.Sendto(context.Background(), buffer.Bytes(), 0, sa)
}

// Close stops the receive goroutine and releases the socket.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.sock.Close()
}
