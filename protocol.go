// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import "sync/atomic"

// spiModulus is 2^32 - 257: the allocator counts modulo this value and
// then offsets by +256, so emitted SPIs are always >= MinEphemeralSPI
// and the largest one, 2^32 - 2, still fits in 32 bits. After
// wraparound the sequence starts again at MinEphemeralSPI (spec §4.1
// "SPI allocation").
const spiModulus = (uint64(1) << 32) - 257

// spiAllocator is the process-wide, monotonically increasing ephemeral
// SPI counter. It is touched only by the Manager's single goroutine
// (spec §5), but is implemented with atomic ops so that a future
// multi-manager-per-process deployment remains safe without a redesign.
type spiAllocator struct {
	next atomic.Uint64
}

// allocate returns the next ephemeral SPI.
func (a *spiAllocator) allocate() SPI {
	n := a.next.Add(1) - 1
	return SPI(n%spiModulus + MinEphemeralSPI)
}
