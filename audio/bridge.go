// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package audio converts between the carrier's 8 kHz mu-law frames and the speech
// pipeline's 24 kHz 16-bit little-endian PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/zaf/g711"
)

const (
	CarrierRate  = 8000
	PipelineRate = 24000
	// Ratio is PipelineRate / CarrierRate
	Ratio = PipelineRate / CarrierRate
)

// ErrOddLength is returned for a PCM16 frame that does not hold a whole number of samples.
// Only the offending frame is dropped; converter state is untouched.
var ErrOddLength = errors.New("audio: pcm16 frame has odd byte length")

// Bridge converts audio for a single call. The carrier-bound direction keeps filter
// history across frames so frame boundaries produce no discontinuities. A Bridge
// must not be shared between calls.
type Bridge struct {
	mu      sync.Mutex
	primed  bool
	history [2]int16
	pending []int16
}

// NewBridge returns a bridge with fresh state
func NewBridge() *Bridge {
	return &Bridge{pending: make([]int16, 0, Ratio)}
}

// Reset clears the downsampler state
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primed = false
	b.history = [2]int16{}
	b.pending = b.pending[:0]
}

// ToPipeline decodes a mu-law frame and upsamples it 3x by linear interpolation.
// The output is always exactly 6*len(frame) bytes.
func (b *Bridge) ToPipeline(frame []byte) ([]byte, error) {
	n := len(frame)
	out := make([]byte, n*Ratio*2)
	if n == 0 {
		return out, nil
	}
	cur := int32(g711.DecodeUlawFrame(frame[0]))
	for i := 0; i < n; i++ {
		next := cur
		if i+1 < n {
			next = int32(g711.DecodeUlawFrame(frame[i+1]))
		}
		base := i * Ratio * 2
		for k := 0; k < Ratio; k++ {
			v := cur + (next-cur)*int32(k)/Ratio
			binary.LittleEndian.PutUint16(out[base+2*k:], uint16(int16(v)))
		}
		cur = next
	}
	return out, nil
}

// ToCarrier low-pass filters and decimates 24 kHz PCM16 by 3, then mu-law encodes it.
// Samples that do not complete a group of three are carried into the next call.
func (b *Bridge) ToCarrier(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, ErrOddLength
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	samples := b.pending
	for i := 0; i+1 < len(frame); i += 2 {
		samples = append(samples, int16(binary.LittleEndian.Uint16(frame[i:])))
	}
	if len(samples) > 0 && !b.primed {
		b.history = [2]int16{samples[0], samples[0]}
		b.primed = true
	}

	groups := len(samples) / Ratio
	out := make([]byte, groups)
	for g := 0; g < groups; g++ {
		s := samples[g*Ratio : g*Ratio+Ratio]
		// 5-tap triangular kernel [1 2 3 2 1]/9 over two samples of history plus the group
		acc := int32(b.history[0]) + 2*int32(b.history[1]) + 3*int32(s[0]) + 2*int32(s[1]) + int32(s[2])
		out[g] = g711.EncodeUlawFrame(clamp16(acc / 9))
		b.history = [2]int16{s[1], s[2]}
	}

	rest := samples[groups*Ratio:]
	b.pending = append(make([]int16, 0, Ratio), rest...)
	return out, nil
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
