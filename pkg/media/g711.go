package media

// G.711 companding per ITU-T: μ-law (PCMU) and A-law (PCMA), 8 kHz, 8-bit
// samples against 16-bit linear PCM. All paths go through precomputed
// tables: one 65 536-entry encode table per variant indexed by pcm+32768,
// and one 256-entry decode table per variant.

const (
	ulawBias  = 0x84
	ulawClamp = 32635
	alawClamp = 32635
	alawXor   = 0x55
)

var (
	ulawEncodeTable [65536]byte
	alawEncodeTable [65536]byte
	ulawDecodeTable [256]int16
	alawDecodeTable [256]int16
)

func init() {
	for i := 0; i < 65536; i++ {
		pcm := int16(i - 32768)
		ulawEncodeTable[i] = encodeULawSample(pcm)
		alawEncodeTable[i] = encodeALawSample(pcm)
	}
	for i := 0; i < 256; i++ {
		ulawDecodeTable[i] = decodeULawSample(byte(i))
		alawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

func encodeULawSample(pcm int16) byte {
	s := int32(pcm)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClamp {
		s = ulawClamp
	}
	s += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask&s == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

func decodeULawSample(code byte) int16 {
	code = ^code
	sign := code & 0x80
	exponent := (code >> 4) & 0x07
	mantissa := code & 0x0F
	magnitude := ((int16(mantissa) << 3) + ulawBias) << exponent
	magnitude -= ulawBias
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func encodeALawSample(pcm int16) byte {
	s := int32(pcm)
	sign := byte(0x80) // A-law marks positive samples with the sign bit
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	if s > alawClamp {
		s = alawClamp
	}
	s >>= 3 // 13-bit magnitude

	var code byte
	if s < 32 {
		code = byte(s >> 1)
	} else {
		exponent := byte(1)
		for seg := int32(64); s >= seg && exponent < 7; seg <<= 1 {
			exponent++
		}
		code = exponent<<4 | byte(s>>exponent)&0x0F
	}
	return (sign | code) ^ alawXor
}

func decodeALawSample(code byte) int16 {
	code ^= alawXor
	sign := code & 0x80
	exponent := (code >> 4) & 0x07
	mantissa := int16(code & 0x0F)

	var magnitude int16
	switch exponent {
	case 0:
		magnitude = mantissa<<4 + 8
	case 1:
		magnitude = mantissa<<4 + 0x108
	default:
		magnitude = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign != 0 {
		return magnitude
	}
	return -magnitude
}

// EncodeULawSample compands one linear sample to μ-law.
func EncodeULawSample(pcm int16) byte { return ulawEncodeTable[int(pcm)+32768] }

// DecodeULawSample expands one μ-law sample to linear.
func DecodeULawSample(code byte) int16 { return ulawDecodeTable[code] }

// EncodeALawSample compands one linear sample to A-law.
func EncodeALawSample(pcm int16) byte { return alawEncodeTable[int(pcm)+32768] }

// DecodeALawSample expands one A-law sample to linear.
func DecodeALawSample(code byte) int16 { return alawDecodeTable[code] }

// EncodeULaw compands little-endian 16-bit PCM to μ-law. Output is half
// the input size; a trailing odd byte is ignored.
func EncodeULaw(pcm []byte) []byte { return encodePCM(pcm, &ulawEncodeTable) }

// DecodeULaw expands μ-law bytes to little-endian 16-bit PCM, doubling
// the size.
func DecodeULaw(data []byte) []byte { return decodePCM(data, &ulawDecodeTable) }

// EncodeALaw compands little-endian 16-bit PCM to A-law.
func EncodeALaw(pcm []byte) []byte { return encodePCM(pcm, &alawEncodeTable) }

// DecodeALaw expands A-law bytes to little-endian 16-bit PCM.
func DecodeALaw(data []byte) []byte { return decodePCM(data, &alawDecodeTable) }

// ULawToALaw transcodes μ-law samples to A-law through linear PCM.
func ULawToALaw(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = alawEncodeTable[int(ulawDecodeTable[b])+32768]
	}
	return out
}

// ALawToULaw transcodes A-law samples to μ-law through linear PCM.
func ALawToULaw(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = ulawEncodeTable[int(alawDecodeTable[b])+32768]
	}
	return out
}

func encodePCM(pcm []byte, table *[65536]byte) []byte {
	if len(pcm) < 2 {
		return nil
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = table[int(sample)+32768]
	}
	return out
}

func decodePCM(data []byte, table *[256]int16) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data)*2)
	for i, b := range data {
		sample := table[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}
