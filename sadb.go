// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SAEntry is one record of the published SA database: the wire shape of
// an SA (spec §6), hex-encoded for JSON.
type SAEntry struct {
	Route string `json:"route"`
	SPI   uint32 `json:"spi"`
	AEAD  string `json:"aead"`
	Key   string `json:"key"`
	Salt  string `json:"salt"`
}

func saEntry(sa SA) SAEntry {
	return SAEntry{
		Route: sa.Route,
		SPI:   uint32(sa.SPI),
		AEAD:  sa.AEAD,
		Key:   hex.EncodeToString(sa.Key[:]),
		Salt:  hex.EncodeToString(sa.Salt[:]),
	}
}

// Database is the document published for the ESP/DSP workers: two maps
// keyed by ephemeral SPI (spec §3 "SA database", §6).
type Database struct {
	OutboundSA map[uint32]SAEntry `json:"outbound_sa"`
	InboundSA  map[uint32]SAEntry `json:"inbound_sa"`
}

// sadb tracks the live SA set in memory, the per-route back-index used
// for O(1) cross-route collision checks (§9 design note "flat mapping
// keyed by SPI plus a per-route back-index"), and the throttled,
// dirty-flag-driven publication state (§9 "Throttled publication").
type sadb struct {
	path string

	// inboundOwner maps an inbound ephemeral SPI to the route that
	// currently holds it, across every route's rx_sa and prev_rx_sa.
	// It is the global uniqueness check named in the data-model
	// invariants: a collision here is fatal.
	inboundOwner map[SPI]string

	dirty       bool
	lastFlush   time.Time
	flushPeriod time.Duration
}

func newSADB(path string) *sadb {
	return &sadb{
		path:         path,
		inboundOwner: make(map[SPI]string),
		flushPeriod:  time.Second,
	}
}

// checkInboundCollision reports whether spi is already owned by a route
// other than exclude. It performs no mutation; callers must call
// registerInbound only after every other precondition of an install has
// been confirmed.
func (d *sadb) checkInboundCollision(spi SPI, exclude string) (owner string, collides bool) {
	owner, ok := d.inboundOwner[spi]
	if !ok || owner == exclude {
		return "", false
	}
	return owner, true
}

// registerInbound records that route now owns spi as an inbound SPI
// (either rx_sa or prev_rx_sa).
func (d *sadb) registerInbound(spi SPI, route string) {
	d.inboundOwner[spi] = route
	d.dirty = true
}

// unregisterInbound drops the back-index entry for spi if it still
// belongs to route, and leaves it alone if spi has since been
// reassigned. Either way it marks the database dirty.
func (d *sadb) unregisterInbound(spi SPI, route string) {
	if d.inboundOwner[spi] == route {
		delete(d.inboundOwner, spi)
	}
	d.dirty = true
}

// markDirty flags the database as needing a republish on the next
// throttle-eligible tick, without touching the back-index.
func (d *sadb) markDirty() {
	d.dirty = true
}

// shouldFlush reports whether the database is dirty and the 1-second
// publish throttle permits a write (spec §4.3 step 8).
func (d *sadb) shouldFlush(now time.Time) bool {
	return d.dirty && now.Sub(d.lastFlush) >= d.flushPeriod
}

// snapshot builds the Database document from the current set of routes.
func snapshot(routes map[string]*Route) Database {
	db := Database{
		OutboundSA: make(map[uint32]SAEntry),
		InboundSA:  make(map[uint32]SAEntry),
	}

	for _, r := range routes {
		if r.RxSA != nil {
			db.InboundSA[uint32(r.RxSA.SPI)] = saEntry(*r.RxSA)
		}
		if r.PrevRxSA != nil {
			db.InboundSA[uint32(r.PrevRxSA.SPI)] = saEntry(*r.PrevRxSA)
		}
		if r.TxSA != nil {
			db.OutboundSA[uint32(r.TxSA.SPI)] = saEntry(*r.TxSA)
		}
	}

	return db
}

// flush writes db atomically (temp file in the same directory, then
// rename) so readers polling the path never observe a half-written
// file (spec §5 "Shared resources", §9 "Worker coordination").
func (d *sadb) flush(now time.Time, db Database) error {
	dir := filepath.Dir(d.path)

	tmp, err := os.CreateTemp(dir, ".sadb-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp SA database: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(db); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode SA database: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync SA database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close SA database: %w", err)
	}

	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("failed to publish SA database: %w", err)
	}

	d.dirty = false
	d.lastFlush = now

	return nil
}
