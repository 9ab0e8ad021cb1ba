// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSADB_CollisionDetection(t *testing.T) {
	require := require.New(t)
	db := newSADB("unused")

	db.registerInbound(300, "r1")
	owner, collides := db.checkInboundCollision(300, "r2")
	require.True(collides)
	require.Equal("r1", owner)

	_, collides = db.checkInboundCollision(300, "r1")
	require.False(collides, "a route never collides with its own SPI")

	_, collides = db.checkInboundCollision(301, "r2")
	require.False(collides)
}

func TestSADB_UnregisterIsNoopIfReassigned(t *testing.T) {
	require := require.New(t)
	db := newSADB("unused")

	db.registerInbound(300, "r1")
	db.registerInbound(300, "r2") // reassigned, e.g. r1 expired and the SPI was recycled

	db.unregisterInbound(300, "r1")

	owner, collides := db.checkInboundCollision(300, "r3")
	require.True(collides)
	require.Equal("r2", owner, "unregistering a stale owner must not evict the current one")
}

func TestSADB_ShouldFlushThrottles(t *testing.T) {
	require := require.New(t)
	db := newSADB("unused")
	now := time.Now()

	require.False(db.shouldFlush(now), "a clean database never needs a flush")

	db.markDirty()
	require.True(db.shouldFlush(now))

	db.dirty = false
	db.lastFlush = now
	db.markDirty()
	require.False(db.shouldFlush(now.Add(500*time.Millisecond)), "a dirty database must still wait out the publish throttle")
	require.True(db.shouldFlush(now.Add(time.Second)))
}

func TestSADB_FlushIsAtomicAndClearsDirty(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "sadb.json")
	db := newSADB(path)
	db.markDirty()

	routes := map[string]*Route{
		"r1": {ID: "r1", RxSA: &SA{Route: "r1", SPI: 300, AEAD: AEADName}, TxSA: &SA{Route: "r1", SPI: 301, AEAD: AEADName}},
	}

	now := time.Now()
	require.NoError(db.flush(now, snapshot(routes)))
	require.False(db.dirty)
	require.Equal(now, db.lastFlush)

	entries, err := os.ReadDir(dir)
	require.NoError(err)
	require.Len(entries, 1, "no temp file should remain after a successful flush")

	raw, err := os.ReadFile(path)
	require.NoError(err)

	var out Database
	require.NoError(json.Unmarshal(raw, &out))
	require.Contains(out.InboundSA, uint32(300))
	require.Contains(out.OutboundSA, uint32(301))
}
