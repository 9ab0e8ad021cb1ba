// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testKeyPair(routeID string, rxSPI, txSPI SPI) KeyPair {
	return KeyPair{
		RX: SA{Route: routeID, SPI: rxSPI, AEAD: AEADName},
		TX: SA{Route: routeID, SPI: txSPI, AEAD: AEADName},
	}
}

func TestRoute_InstallDerivedKeys_FirstInstallAdoptsTxImmediately(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})
	now := time.Now()

	r.installDerivedKeys(now, testKeyPair("r1", 300, 301), 5*time.Second, 600*time.Second, 0)

	require.Equal(RouteReady, r.Status)
	require.NotNil(r.RxSA)
	require.Nil(r.PrevRxSA)
	require.NotNil(r.TxSA)
	require.Nil(r.NextTxSA, "the first install has no current tx_sa to protect a cutover window for")
	require.Equal(SPI(301), r.TxSA.SPI)
}

func TestRoute_InstallDerivedKeys_SecondInstallDefersTxActivation(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})
	now := time.Now()

	r.installDerivedKeys(now, testKeyPair("r1", 300, 301), 5*time.Second, 600*time.Second, 0)
	firstRx := r.RxSA

	later := now.Add(300 * time.Second)
	r.installDerivedKeys(later, testKeyPair("r1", 302, 303), 5*time.Second, 600*time.Second, 0)

	require.Same(firstRx, r.PrevRxSA, "the prior rx_sa must move to prev_rx_sa for the cutover window")
	require.Equal(SPI(302), r.RxSA.SPI)
	require.Equal(SPI(301), r.TxSA.SPI, "the old tx_sa keeps serving until next_tx_sa's activation delay elapses")
	require.NotNil(r.NextTxSA)
	require.Equal(SPI(303), r.NextTxSA.SPI)
	require.True(r.nextTxSAActivationDelay.After(later))
}

func TestRoute_InstallDerivedKeys_StaleNextTxSAIsOverridden(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})
	now := time.Now()

	r.installDerivedKeys(now, testKeyPair("r1", 300, 301), 5*time.Second, 600*time.Second, 0)
	r.installDerivedKeys(now, testKeyPair("r1", 302, 303), 5*time.Second, 600*time.Second, 0)
	require.NotNil(r.NextTxSA)

	// A third exchange completes before the pending next_tx_sa was ever
	// promoted: the stale pending SA is discarded in favour of adopting
	// the newest one immediately.
	r.installDerivedKeys(now, testKeyPair("r1", 304, 305), 5*time.Second, 600*time.Second, 0)

	require.Equal(SPI(305), r.TxSA.SPI)
	require.Nil(r.NextTxSA)
}

func TestRoute_PromoteNextTxSA(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})
	now := time.Now()

	r.installDerivedKeys(now, testKeyPair("r1", 300, 301), 5*time.Second, 600*time.Second, 0)
	r.installDerivedKeys(now, testKeyPair("r1", 302, 303), 5*time.Second, 600*time.Second, 0)

	r.promoteNextTxSA()

	require.Equal(SPI(303), r.TxSA.SPI)
	require.Nil(r.NextTxSA)
	require.True(r.nextTxSAActivationDelay.IsZero())
}

func TestRoute_ExpireTearsDownEverySlot(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})
	now := time.Now()

	r.installDerivedKeys(now, testKeyPair("r1", 300, 301), 5*time.Second, 600*time.Second, 0)
	r.expire()

	require.Equal(RouteExpired, r.Status)
	require.Nil(r.RxSA)
	require.Nil(r.PrevRxSA)
	require.Nil(r.TxSA)
	require.Nil(r.NextTxSA)
}

func TestRoute_DowngradeToRekeyNeverPromotes(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})

	r.Status = RouteExpired
	r.downgradeToRekey()
	require.Equal(RouteExpired, r.Status, "downgrade must never move a route toward ready")

	r.Status = RouteReady
	r.downgradeToRekey()
	require.Equal(RouteRekey, r.Status)
}

func TestRoute_EligibleToInitiate(t *testing.T) {
	require := require.New(t)
	r := NewRoute("r1", net.ParseIP("10.0.0.1"), PresharedKey{}, 1, &spiAllocator{})
	now := time.Now()

	require.True(r.eligibleToInitiate(now), "a fresh route has no negotiation delay armed")

	r.armNegotiationDelay(now, 5*time.Second, 0)
	require.False(r.eligibleToInitiate(now.Add(time.Second)))
	require.True(r.eligibleToInitiate(now.Add(6*time.Second)))
}
