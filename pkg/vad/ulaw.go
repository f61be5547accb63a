package vad

// mulawToPCM is the G.711 mu-law to 16-bit linear PCM expansion table,
// indexed by the encoded byte.
var mulawToPCM [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawToPCM[i] = decodeMulaw(byte(i))
	}
}

func decodeMulaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int16(mantissa) << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return -sample
	}
	return sample
}
