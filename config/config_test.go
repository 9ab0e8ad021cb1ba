// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vita-vpn/vita-keymgr/config"
)

var validDoc = `
node_addr = "10.0.0.1"
sa_database_path = "/var/run/vita/sadb.json"

[[routes]]
id = "to-b"
gateway = "10.0.0.2"
preshared_key = "` + strings.Repeat("ab", 32) + `"
route_spi = 1
`

func TestFile_LoadAndValidate(t *testing.T) {
	require := require.New(t)

	var f config.File
	require.NoError(f.Load(strings.NewReader(validDoc)))
	require.NoError(f.Validate())

	require.Len(f.Routes, 1)

	ttl, err := f.NegotiationTimeout()
	require.NoError(err)
	require.Equal(5*time.Second, ttl, "an unset negotiation_ttl must fall back to the default")

	saTTL, err := f.SATimeout()
	require.NoError(err)
	require.Equal(600*time.Second, saTTL)
}

func TestFile_Validate_RejectsBadNodeAddr(t *testing.T) {
	require := require.New(t)

	var f config.File
	require.NoError(f.Load(strings.NewReader(validDoc)))
	f.NodeAddr = "not-an-ip"

	require.Error(f.Validate())
}

func TestFile_Validate_RejectsShortPresharedKey(t *testing.T) {
	require := require.New(t)

	var f config.File
	require.NoError(f.Load(strings.NewReader(validDoc)))
	f.Routes[0].PresharedKey = "ab"

	require.Error(f.Validate())
}

func TestFile_Validate_RejectsDuplicateRouteSPI(t *testing.T) {
	require := require.New(t)

	var f config.File
	require.NoError(f.Load(strings.NewReader(validDoc)))
	f.Routes = append(f.Routes, f.Routes[0])
	f.Routes[1].ID = "to-c"

	err := f.Validate()
	require.Error(err)
	require.Contains(err.Error(), "route_spi")
}

func TestFile_Validate_RejectsDuplicateRouteID(t *testing.T) {
	require := require.New(t)

	var f config.File
	require.NoError(f.Load(strings.NewReader(validDoc)))
	f.Routes = append(f.Routes, f.Routes[0])
	f.Routes[1].RouteSPI = 2

	err := f.Validate()
	require.Error(err)
	require.Contains(err.Error(), "duplicate route id")
}

func TestRouteSection_ToRoute(t *testing.T) {
	require := require.New(t)

	var f config.File
	require.NoError(f.Load(strings.NewReader(validDoc)))

	id, gateway, psk, spi, err := f.Routes[0].ToRoute()
	require.NoError(err)
	require.Equal("to-b", id)
	require.Equal("10.0.0.2", gateway.String())
	require.EqualValues(1, spi)
	require.Len(psk, 32)
}
