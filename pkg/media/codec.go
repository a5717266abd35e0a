package media

// CodecInfo describes a payload type this agent can name and clock.
type CodecInfo struct {
	Name             string
	PayloadType      uint8
	ClockRate        int // RTP clock in Hz
	SamplesPerPacket uint32
}

// SupportedCodecs maps RTP/AVP payload types to their parameters. Only
// PCMU and PCMA have working encode/decode paths; the rest are known for
// naming and timestamp arithmetic.
var SupportedCodecs = map[uint8]CodecInfo{
	PayloadTypePCMU: {Name: "PCMU", PayloadType: PayloadTypePCMU, ClockRate: 8000, SamplesPerPacket: 160},
	PayloadTypePCMA: {Name: "PCMA", PayloadType: PayloadTypePCMA, ClockRate: 8000, SamplesPerPacket: 160},
	// G.722's RTP clock is 8 kHz despite 16 kHz sampling, a historical
	// quirk kept by RFC 3551.
	PayloadTypeG722: {Name: "G722", PayloadType: PayloadTypeG722, ClockRate: 8000, SamplesPerPacket: 320},
	PayloadTypeG729: {Name: "G729", PayloadType: PayloadTypeG729, ClockRate: 8000, SamplesPerPacket: 80},
	PayloadTypeDTMF: {Name: "telephone-event", PayloadType: PayloadTypeDTMF, ClockRate: 8000, SamplesPerPacket: 160},
	PayloadTypeOpus: {Name: "OPUS", PayloadType: PayloadTypeOpus, ClockRate: 48000, SamplesPerPacket: 160},
}

// GetCodecInfo looks a payload type up in the registry.
func GetCodecInfo(payloadType uint8) (CodecInfo, bool) {
	info, ok := SupportedCodecs[payloadType]
	return info, ok
}

// IsG711 reports whether the payload type is one the sample codec
// handles.
func IsG711(payloadType uint8) bool {
	return payloadType == PayloadTypePCMU || payloadType == PayloadTypePCMA
}
