// Package audio provides the telephony codec helpers used by the
// voice engine: mu-law <-> linear PCM conversion and a deterministic
// test tone. The carrier path is 8kHz mu-law end to end, so this is
// the only codec the engine needs.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// SampleRate is the carrier's narrowband sample rate in Hz.
	SampleRate = 8000

	// FrameSize is the carrier protocol's minimum addressable unit:
	// 20ms of 8kHz mu-law, one byte per sample.
	FrameSize = 160

	// FrameDuration is the real-time duration of one frame.
	FrameDurationMs = 20
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToPCM converts mu-law audio to linear PCM int16.
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mu-law.
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncode(val)
	}
	return mulaw
}

// BytesToPCM converts little-endian PCM bytes to int16 samples.
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts int16 PCM samples to little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Tone synthesizes durationMs of a square wave at freq Hz as 8kHz
// mu-law. It backs the mock TTS provider, which is also the
// last-resort fallback when no paid provider is reachable, so the
// output must always be non-empty and audible.
func Tone(freq, durationMs int) []byte {
	n := SampleRate * durationMs / 1000
	pcm := make([]int16, n)
	if freq <= 0 {
		return PCMToMulaw(pcm)
	}

	period := SampleRate / freq
	if period < 2 {
		period = 2
	}
	half := period / 2

	const amplitude = 8000
	for i := range pcm {
		if i%period < half {
			pcm[i] = amplitude
		} else {
			pcm[i] = -amplitude
		}
	}
	return PCMToMulaw(pcm)
}

func mulawEncode(pcm int16) byte {
	sign := uint8(0)
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}

	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	var exponent, mantissa uint8
	switch {
	case pcm >= 0x1000:
		exponent = 7
		mantissa = uint8((pcm >> 7) & 0x0F)
	case pcm >= 0x800:
		exponent = 6
		mantissa = uint8((pcm >> 6) & 0x0F)
	case pcm >= 0x400:
		exponent = 5
		mantissa = uint8((pcm >> 5) & 0x0F)
	case pcm >= 0x200:
		exponent = 4
		mantissa = uint8((pcm >> 4) & 0x0F)
	case pcm >= 0x100:
		exponent = 3
		mantissa = uint8((pcm >> 3) & 0x0F)
	case pcm >= 0x80:
		exponent = 2
		mantissa = uint8((pcm >> 2) & 0x0F)
	case pcm >= 0x40:
		exponent = 1
		mantissa = uint8((pcm >> 1) & 0x0F)
	default:
		exponent = 0
		mantissa = uint8(pcm & 0x0F)
	}

	return ^(sign | (exponent << 4) | mantissa)
}

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}
