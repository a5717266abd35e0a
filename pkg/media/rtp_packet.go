package media

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RTPVersion is the only version the session layer accepts.
const RTPVersion = 2

// rtpHeaderSize is the fixed part of the RTP header, before CSRCs and
// extension.
const rtpHeaderSize = 12

// ErrPacketTooShort is returned for buffers smaller than the fixed header
// or truncated mid-CSRC/extension.
var ErrPacketTooShort = errors.New("RTP packet too short")

// Well-known payload types carried over RTP/AVP.
const (
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8
	PayloadTypeG722 = 9
	PayloadTypeG729 = 18
	PayloadTypeDTMF = 101
	PayloadTypeOpus = 111
)

// PayloadTypeName renders a payload type for logs and SDP.
func PayloadTypeName(pt uint8) string {
	switch pt {
	case PayloadTypePCMU:
		return "PCMU"
	case PayloadTypePCMA:
		return "PCMA"
	case PayloadTypeG722:
		return "G722"
	case PayloadTypeG729:
		return "G729"
	case PayloadTypeDTMF:
		return "telephone-event"
	case PayloadTypeOpus:
		return "OPUS"
	default:
		return fmt.Sprintf("Unknown(%d)", pt)
	}
}

// RTPPacket is a parsed RTP packet (RFC 3550 §5.1). Parsing is permissive
// so bad packets can still be inspected; IsValid gates acceptance.
type RTPPacket struct {
	Version     uint8
	Padding     bool
	Extension   bool
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32

	ExtensionID   uint16 // profile-defined id, present when Extension
	ExtensionData []byte // multiple of 4 bytes

	Payload []byte // padding already stripped
}

// ParseRTPPacket decodes one datagram. Padding bytes are stripped from the
// payload; the Padding flag stays set so serialization intent is visible.
func ParseRTPPacket(data []byte) (*RTPPacket, error) {
	if len(data) < rtpHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data))
	}

	p := &RTPPacket{
		Version:     data[0] >> 6,
		Padding:     data[0]&0x20 != 0,
		Extension:   data[0]&0x10 != 0,
		Marker:      data[1]&0x80 != 0,
		PayloadType: data[1] & 0x7F,
		Sequence:    binary.BigEndian.Uint16(data[2:4]),
		Timestamp:   binary.BigEndian.Uint32(data[4:8]),
		SSRC:        binary.BigEndian.Uint32(data[8:12]),
	}

	offset := rtpHeaderSize
	csrcCount := int(data[0] & 0x0F)
	if len(data) < offset+4*csrcCount {
		return nil, fmt.Errorf("%w: truncated CSRC list", ErrPacketTooShort)
	}
	for i := 0; i < csrcCount; i++ {
		p.CSRC = append(p.CSRC, binary.BigEndian.Uint32(data[offset:offset+4]))
		offset += 4
	}

	if p.Extension {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("%w: truncated extension header", ErrPacketTooShort)
		}
		p.ExtensionID = binary.BigEndian.Uint16(data[offset : offset+2])
		extWords := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if len(data) < offset+4*extWords {
			return nil, fmt.Errorf("%w: truncated extension data", ErrPacketTooShort)
		}
		p.ExtensionData = append([]byte(nil), data[offset:offset+4*extWords]...)
		offset += 4 * extWords
	}

	payload := data[offset:]
	if p.Padding && len(payload) > 0 {
		pad := int(payload[len(payload)-1])
		if pad > 0 && pad <= len(payload) {
			payload = payload[:len(payload)-pad]
		}
	}
	p.Payload = append([]byte(nil), payload...)
	return p, nil
}

// IsValid reports whether the packet may enter a session.
func (p *RTPPacket) IsValid() bool {
	return p.Version == RTPVersion
}

// Serialize renders the packet in network byte order. The payload is
// written as stored; padding bytes stripped at parse time are not
// restored.
func (p *RTPPacket) Serialize() []byte {
	headerSize := rtpHeaderSize + 4*len(p.CSRC)
	if p.Extension {
		headerSize += 4 + len(p.ExtensionData)
	}
	buf := make([]byte, headerSize+len(p.Payload))

	buf[0] = p.Version << 6
	if p.Padding {
		buf[0] |= 0x20
	}
	if p.Extension {
		buf[0] |= 0x10
	}
	buf[0] |= uint8(len(p.CSRC)) & 0x0F
	buf[1] = p.PayloadType & 0x7F
	if p.Marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], p.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SSRC)

	offset := rtpHeaderSize
	for _, csrc := range p.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], csrc)
		offset += 4
	}
	if p.Extension {
		binary.BigEndian.PutUint16(buf[offset:offset+2], p.ExtensionID)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(p.ExtensionData)/4))
		offset += 4
		copy(buf[offset:], p.ExtensionData)
		offset += len(p.ExtensionData)
	}
	copy(buf[offset:], p.Payload)
	return buf
}
