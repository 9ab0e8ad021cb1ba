// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	vita "github.com/vita-vpn/vita-keymgr"
)

// RouteSection is one `[[routes]]` table in the process configuration:
// a single tunnel to a peer gateway (spec §6 "Input configuration").
type RouteSection struct {
	ID           string `toml:"id"`
	Gateway      string `toml:"gateway"`
	PresharedKey string `toml:"preshared_key"`
	RouteSPI     uint32 `toml:"route_spi"`
}

// File is the process-wide configuration document, mirroring the
// teacher's split between process settings and a per-peer table array,
// here per-route.
type File struct {
	NodeAddr       string `toml:"node_addr"`
	SADatabasePath string `toml:"sa_database_path"`

	NegotiationTTL string `toml:"negotiation_ttl,omitempty"`
	SATTL          string `toml:"sa_ttl,omitempty"`

	Verbosity string `toml:"verbosity,omitempty"`

	MetricsAddr string `toml:"metrics_addr,omitempty"`

	Routes []RouteSection `toml:"routes,omitempty"`
}

const (
	defaultNegotiationTTL = 5 * time.Second
	defaultSATTL          = 600 * time.Second
)

func (f *File) Load(r io.Reader) error {
	dec := toml.NewDecoder(r)
	return dec.Decode(f)
}

func (f *File) Dump(w io.Writer) error {
	enc := toml.NewEncoder(w)
	return enc.Encode(f)
}

func (f *File) LoadFile(fn string) error {
	fh, err := os.Open(fn)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	if err := f.Load(fh); err != nil {
		return err
	}

	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	return nil
}

func (f *File) DumpFile(fn string) error {
	fh, err := os.OpenFile(fn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	if err := f.Dump(fh); err != nil {
		return err
	}

	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	return nil
}

// NegotiationTimeout parses NegotiationTTL, falling back to the
// spec-given default of 5 seconds when unset.
func (f *File) NegotiationTimeout() (time.Duration, error) {
	if f.NegotiationTTL == "" {
		return defaultNegotiationTTL, nil
	}
	return time.ParseDuration(f.NegotiationTTL)
}

// SATimeout parses SATTL, falling back to the spec-given default of
// 600 seconds when unset.
func (f *File) SATimeout() (time.Duration, error) {
	if f.SATTL == "" {
		return defaultSATTL, nil
	}
	return time.ParseDuration(f.SATTL)
}

// Validate checks every field this package can check without touching
// the network: address syntax, PSK length, and route-id/SPI uniqueness.
// It does not resolve gateways or open any socket.
func (f *File) Validate() error {
	if f.NodeAddr == "" {
		return fmt.Errorf("node_addr is required")
	}
	if net.ParseIP(f.NodeAddr).To4() == nil {
		return fmt.Errorf("node_addr %q is not a valid IPv4 address", f.NodeAddr)
	}
	if f.SADatabasePath == "" {
		return fmt.Errorf("sa_database_path is required")
	}

	if _, err := f.NegotiationTimeout(); err != nil {
		return fmt.Errorf("invalid negotiation_ttl: %w", err)
	}
	if _, err := f.SATimeout(); err != nil {
		return fmt.Errorf("invalid sa_ttl: %w", err)
	}

	seenID := make(map[string]struct{}, len(f.Routes))
	seenSPI := make(map[uint32]string, len(f.Routes))

	for _, rt := range f.Routes {
		if rt.ID == "" {
			return fmt.Errorf("route is missing an id")
		}
		if _, dup := seenID[rt.ID]; dup {
			return fmt.Errorf("duplicate route id %q", rt.ID)
		}
		seenID[rt.ID] = struct{}{}

		if net.ParseIP(rt.Gateway).To4() == nil {
			return fmt.Errorf("route %q: gateway %q is not a valid IPv4 address", rt.ID, rt.Gateway)
		}

		if _, err := decodePresharedKey(rt.PresharedKey); err != nil {
			return fmt.Errorf("route %q: %w", rt.ID, err)
		}

		if other, dup := seenSPI[rt.RouteSPI]; dup {
			return fmt.Errorf("route %q: route_spi %d already used by route %q", rt.ID, rt.RouteSPI, other)
		}
		seenSPI[rt.RouteSPI] = rt.ID
	}

	return nil
}

func decodePresharedKey(s string) (vita.PresharedKey, error) {
	var psk vita.PresharedKey

	raw, err := hex.DecodeString(s)
	if err != nil {
		return psk, fmt.Errorf("preshared_key is not valid hex: %w", err)
	}
	if len(raw) != vita.PresharedKeySize {
		return psk, vita.ErrInvalidPresharedKey
	}

	copy(psk[:], raw)
	return psk, nil
}

// ToRoute converts one route section into its runtime fields. It is the
// config package's only point of contact with the vita package, kept
// deliberately thin: reconciliation logic lives in the Manager.
func (r *RouteSection) ToRoute() (id string, gateway net.IP, psk vita.PresharedKey, spi vita.SPI, err error) {
	gw := net.ParseIP(r.Gateway)
	if gw == nil {
		return "", nil, vita.PresharedKey{}, 0, fmt.Errorf("route %q: invalid gateway %q", r.ID, r.Gateway)
	}

	psk, err = decodePresharedKey(r.PresharedKey)
	if err != nil {
		return "", nil, vita.PresharedKey{}, 0, fmt.Errorf("route %q: %w", r.ID, err)
	}

	return r.ID, gw, psk, vita.SPI(r.RouteSPI), nil
}
