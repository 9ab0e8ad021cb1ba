// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import "time"

// fsmStatus is the externally-observable state of a vita-ske1 exchange.
// It is unexported so that the only way to move an FSM between states is
// through its methods, which enforce the transition table below.
type fsmStatus uint8

const (
	fsmIdle fsmStatus = iota
	fsmWaitNonce
	fsmSendKey
	fsmWaitKey
	fsmComplete
)

func (s fsmStatus) String() string {
	switch s {
	case fsmIdle:
		return "idle"
	case fsmWaitNonce:
		return "wait_nonce"
	case fsmSendKey:
		return "send_key"
	case fsmWaitKey:
		return "wait_key"
	case fsmComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// FSM is one route's vita-ske1 exchange. It is symmetric: neither peer is
// a fixed initiator, so a single type implements both roles and lets
// whichever side acts first win the race. All mutable state — the status,
// its deadline, and the scratch buffers of the in-flight exchange — lives
// here and is cleared whenever the FSM returns to idle.
type FSM struct {
	routeID  string
	routeSPI SPI
	psk      PresharedKey
	spiAlloc *spiAllocator

	status   fsmStatus
	deadline time.Time

	ownNonce   Nonce
	peerNonce  Nonce
	ownSecret  SecretKey
	ownPublic  PublicKey
	peerPublic PublicKey
	ownSPI     SPI
	peerSPI    SPI
}

// NewFSM builds an idle FSM for one route. spiAlloc is shared across every
// route in the process, so ephemeral SPIs never collide across routes.
func NewFSM(routeID string, routeSPI SPI, psk PresharedKey, spiAlloc *spiAllocator) *FSM {
	return &FSM{
		routeID:  routeID,
		routeSPI: routeSPI,
		psk:      psk,
		spiAlloc: spiAlloc,
	}
}

// Status reports the FSM's current state, for logging and metrics.
func (f *FSM) Status() string {
	return f.status.String()
}

// Deadline reports the FSM's armed expiry deadline, or the zero Time if
// none is armed (idle or complete).
func (f *FSM) Deadline() time.Time {
	return f.deadline
}

func (f *FSM) routeSPIBytes() [SPISize]byte {
	var b [SPISize]byte
	putUint32BE(b[:], uint32(f.routeSPI))
	return b
}

func (f *FSM) spiBytes(spi SPI) [SPISize]byte {
	var b [SPISize]byte
	putUint32BE(b[:], uint32(spi))
	return b
}

// outgoingAuth computes the HMAC carried in a key message this FSM is
// about to send: HMAC_k(r || n_self || n_peer || spi_self || pub_self).
func (f *FSM) outgoingAuth() HMACTag {
	r := f.routeSPIBytes()
	spi := f.spiBytes(f.ownSPI)
	return hmacSHA512_256(f.psk[:], r[:], f.ownNonce[:], f.peerNonce[:], spi[:], f.ownPublic[:])
}

// verifyIncoming checks an incoming key message's HMAC. The verifier
// recomputes what the sender would have produced as its own outgoing
// message: n_self and n_peer swap order, and the SPI/public key come
// from the message rather than from this FSM's own fields.
func (f *FSM) verifyIncoming(m *keyMsg) bool {
	r := f.routeSPIBytes()
	spi := f.spiBytes(m.spi)
	return verifyHMAC(f.psk[:], m.auth, r[:], f.peerNonce[:], f.ownNonce[:], spi[:], m.pub[:])
}

// reset clears every scratch field and returns the FSM to idle. It is the
// only path back to idle, so it is also the only place state is wiped.
func (f *FSM) reset() {
	f.status = fsmIdle
	f.deadline = time.Time{}
	f.ownNonce = Nonce{}
	f.peerNonce = Nonce{}
	f.ownSecret = SecretKey{}
	f.ownPublic = PublicKey{}
	f.peerPublic = PublicKey{}
	f.ownSPI = 0
	f.peerSPI = 0
}

// InitiateExchange starts an active exchange: idle -> wait_nonce, emitting
// a nonce message. ttl arms the deadline that reset_if_expired polls.
func (f *FSM) InitiateExchange(now time.Time, ttl time.Duration) (*nonceMsg, error) {
	if f.status != fsmIdle {
		return nil, ErrProtocol
	}

	own, err := generateNonce()
	if err != nil {
		return nil, err
	}

	f.ownNonce = own
	f.status = fsmWaitNonce
	f.deadline = now.Add(ttl)

	return &nonceMsg{nonce: own}, nil
}

// ReceiveNonce handles an inbound nonce message.
//
// From idle it is a passive, unauthenticated reply: the FSM records the
// peer's nonce and replies with a fresh nonce of its own, without leaving
// idle. This is what lets a peer that receives a key message "cold" (see
// ReceiveKey) still answer correctly, and it is the crux of vita-ske1's
// race resolution: two routes that call InitiateExchange within the same
// tick both land in wait_nonce and exchange real nonce messages normally,
// but a route that was idle when its peer's nonce arrived still ends up
// with the scratch it needs.
//
// From wait_nonce it is the expected reply to an active InitiateExchange,
// advancing to send_key.
func (f *FSM) ReceiveNonce(now time.Time, ttl time.Duration, m *nonceMsg) (*nonceMsg, error) {
	switch f.status {
	case fsmIdle:
		own, err := generateNonce()
		if err != nil {
			return nil, err
		}
		f.ownNonce = own
		f.peerNonce = m.nonce
		return &nonceMsg{nonce: own}, nil

	case fsmWaitNonce:
		f.peerNonce = m.nonce
		f.status = fsmSendKey
		f.deadline = now.Add(ttl)
		return nil, nil

	default:
		return nil, ErrProtocol
	}
}

// ExchangeKey generates this side's ephemeral key pair and ephemeral SPI
// and emits the key message: send_key -> wait_key. The wait_key deadline
// is the one already armed when send_key was entered; exchange_key does
// not rearm it.
func (f *FSM) ExchangeKey() (*keyMsg, error) {
	if f.status != fsmSendKey {
		return nil, ErrProtocol
	}

	sk, pk, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	f.ownSecret = sk
	f.ownPublic = pk
	f.ownSPI = f.spiAlloc.allocate()
	f.status = fsmWaitKey

	return &keyMsg{spi: f.ownSPI, pub: f.ownPublic, auth: f.outgoingAuth()}, nil
}

// ReceiveKey handles an inbound key message.
//
// From wait_key it is the expected reply to this side's own key message:
// on a valid HMAC the exchange completes (wait_key -> complete) with no
// reply of its own. A bad HMAC fails with authentication and leaves the
// FSM in wait_key, where reset_if_expired will eventually clear it.
//
// From idle it is the passive counterpart to ReceiveNonce's passive
// branch: a peer that already has this FSM's nonce (from a prior passive
// ReceiveNonce) can complete the whole exchange in one message. On a
// valid HMAC this FSM generates its own ephemeral key pair and SPI, emits
// its own key message, and jumps straight to complete.
func (f *FSM) ReceiveKey(m *keyMsg) (*keyMsg, error) {
	switch f.status {
	case fsmWaitKey:
		if !f.verifyIncoming(m) {
			return nil, ErrAuthentication
		}
		f.peerSPI = m.spi
		f.peerPublic = m.pub
		f.status = fsmComplete
		f.deadline = time.Time{}
		return nil, nil

	case fsmIdle:
		if !f.verifyIncoming(m) {
			return nil, ErrAuthentication
		}

		sk, pk, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}

		f.peerSPI = m.spi
		f.peerPublic = m.pub
		f.ownSecret = sk
		f.ownPublic = pk
		f.ownSPI = f.spiAlloc.allocate()
		f.status = fsmComplete

		return &keyMsg{spi: f.ownSPI, pub: f.ownPublic, auth: f.outgoingAuth()}, nil

	default:
		return nil, ErrProtocol
	}
}

// DeriveEphemeralKeys computes the rx/tx Security Associations for a
// completed exchange: complete -> idle, always, win or lose. Keeping the
// transition unconditional means a bad peer public key (ErrParameter)
// can't strand the FSM in complete forever — complete never rearms a
// deadline, so reset_if_expired could never reclaim it otherwise.
func (f *FSM) DeriveEphemeralKeys() (KeyPair, error) {
	if f.status != fsmComplete {
		return KeyPair{}, ErrProtocol
	}
	defer f.reset()

	q, err := sharedSecret(f.ownSecret, f.peerPublic)
	if err != nil {
		return KeyPair{}, err
	}

	rxKey, rxSalt, err := kdf(q, f.ownPublic, f.peerPublic)
	if err != nil {
		return KeyPair{}, err
	}

	txKey, txSalt, err := kdf(q, f.peerPublic, f.ownPublic)
	if err != nil {
		return KeyPair{}, err
	}

	return KeyPair{
		RX: SA{Route: f.routeID, SPI: f.ownSPI, AEAD: AEADName, Key: rxKey, Salt: rxSalt},
		TX: SA{Route: f.routeID, SPI: f.peerSPI, AEAD: AEADName, Key: txKey, Salt: txSalt},
	}, nil
}

// ResetIfExpired clears the FSM back to idle if its deadline has passed.
// It is legal to call in any state: idle and complete never have a
// deadline armed, so the call is simply a no-op there. It reports
// whether an expiry actually happened, so the manager can account it.
func (f *FSM) ResetIfExpired(now time.Time) bool {
	if f.deadline.IsZero() || now.Before(f.deadline) {
		return false
	}
	f.reset()
	return true
}
