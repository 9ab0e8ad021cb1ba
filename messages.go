// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

// msgType identifies the body that follows a Transport header.
type msgType uint8

const (
	msgTypeNonce msgType = 1
	msgTypeKey   msgType = 3
)

func (t msgType) String() string {
	switch t {
	case msgTypeNonce:
		return "Nonce"
	case msgTypeKey:
		return "Key"
	default:
		return "<Unknown>"
	}
}

// transportHeaderSize is the fixed 8-byte header prepended to every
// exchange message (spec §4.2): route SPI, message type, 3 reserved
// zero bytes.
const transportHeaderSize = SPISize + 1 + 3

// transportHeader is the small fixed header that lets the Key Manager
// route an inbound datagram to the right route's FSM before it even
// looks at the body.
type transportHeader struct {
	routeSPI SPI
	typ      msgType
}

func (h transportHeader) MarshalBinary(buf []byte) []byte {
	var hdr [transportHeaderSize]byte
	putUint32BE(hdr[0:4], uint32(h.routeSPI))
	hdr[4] = byte(h.typ)
	// hdr[5:8] stay zero (reserved).
	return append(buf, hdr[:]...)
}

// parseTransportHeader reads the 8-byte header from buf. It does not
// validate the body; callers must check the remaining length against
// the declared type.
func parseTransportHeader(buf []byte) (transportHeader, []byte, error) {
	if len(buf) < transportHeaderSize {
		return transportHeader{}, nil, ErrMalformedHeader
	}

	h := transportHeader{
		routeSPI: SPI(uint32BE(buf[0:4])),
		typ:      msgType(buf[4]),
	}

	if buf[5] != 0 || buf[6] != 0 || buf[7] != 0 {
		return transportHeader{}, nil, ErrMalformedHeader
	}

	return h, buf[transportHeaderSize:], nil
}

// nonceMsg is the 32-byte body of a nonce message.
type nonceMsg struct {
	nonce Nonce
}

func (m *nonceMsg) MarshalBinary(buf []byte) []byte {
	return append(buf, m.nonce[:]...)
}

func (m *nonceMsg) UnmarshalBinary(buf []byte) error {
	if len(buf) != NonceMsgSize {
		return ErrMalformedBody
	}
	copy(m.nonce[:], buf)
	return nil
}

// keyMsg is the 68-byte body of a key message: spi || pub || hmac.
type keyMsg struct {
	spi  SPI
	pub  PublicKey
	auth HMACTag
}

func (m *keyMsg) MarshalBinary(buf []byte) []byte {
	var spiBuf [SPISize]byte
	putUint32BE(spiBuf[:], uint32(m.spi))
	buf = append(buf, spiBuf[:]...)
	buf = append(buf, m.pub[:]...)
	buf = append(buf, m.auth[:]...)
	return buf
}

func (m *keyMsg) UnmarshalBinary(buf []byte) error {
	if len(buf) != KeyMsgSize {
		return ErrMalformedBody
	}
	m.spi = SPI(uint32BE(buf[0:4]))
	copy(m.pub[:], buf[4:36])
	copy(m.auth[:], buf[36:68])
	return nil
}

// encodeNonce frames a nonce message with its Transport header.
func encodeNonce(routeSPI SPI, m *nonceMsg) []byte {
	buf := transportHeader{routeSPI: routeSPI, typ: msgTypeNonce}.MarshalBinary(nil)
	return m.MarshalBinary(buf)
}

// encodeKey frames a key message with its Transport header.
func encodeKey(routeSPI SPI, m *keyMsg) []byte {
	buf := transportHeader{routeSPI: routeSPI, typ: msgTypeKey}.MarshalBinary(nil)
	return m.MarshalBinary(buf)
}

// decodeDatagram parses a Transport header and validates that the
// remaining length exactly matches the declared message type, per
// spec §4.2: "malformed headers or wrong body length are counted as
// protocol_errors."
func decodeDatagram(buf []byte) (SPI, msgType, []byte, error) {
	h, body, err := parseTransportHeader(buf)
	if err != nil {
		return 0, 0, nil, err
	}

	switch h.typ {
	case msgTypeNonce:
		if len(body) != NonceMsgSize {
			return 0, 0, nil, ErrMalformedBody
		}
	case msgTypeKey:
		if len(body) != KeyMsgSize {
			return 0, 0, nil, ErrMalformedBody
		}
	default:
		return 0, 0, nil, ErrMalformedBody
	}

	return h.routeSPI, h.typ, body, nil
}
