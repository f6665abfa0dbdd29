// Package pcm handles canonical 16-bit mono sample handling: conversion
// from backend float output, byte encoding for the encoder boundary, and
// ordered assembly with chapter offset tracking.
package pcm

import (
	"encoding/binary"
	"fmt"
)

// DefaultSampleRate matches the Kokoro model output rate.
const DefaultSampleRate = 24000

const maxInt16 = 32767

// ToInt16 converts float samples in [-1, 1] to signed 16-bit, clamping
// out-of-range values.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1.0:
			s = 1.0
		case s < -1.0:
			s = -1.0
		}
		out[i] = int16(s * maxInt16)
	}
	return out
}

// Bytes encodes samples as little-endian s16le in one allocation.
func Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// FromBytes decodes little-endian s16le data back into samples.
func FromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data length %d is not sample aligned", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}
