package media

import (
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTPPacketRoundTrip(t *testing.T) {
	p := &RTPPacket{
		Version:     2,
		PayloadType: PayloadTypePCMU,
		Sequence:    12345,
		Timestamp:   987654321,
		SSRC:        0x12345678,
		Payload:     []byte("test audio data"),
	}

	parsed, err := ParseRTPPacket(p.Serialize())
	require.NoError(t, err)

	assert.Equal(t, uint8(2), parsed.Version)
	assert.Equal(t, uint8(PayloadTypePCMU), parsed.PayloadType)
	assert.Equal(t, uint16(12345), parsed.Sequence)
	assert.Equal(t, uint32(987654321), parsed.Timestamp)
	assert.Equal(t, uint32(0x12345678), parsed.SSRC)
	assert.Equal(t, []byte("test audio data"), parsed.Payload)
	assert.True(t, parsed.IsValid())
}

func TestRTPPacketCSRCAndExtension(t *testing.T) {
	p := &RTPPacket{
		Version:       2,
		Marker:        true,
		Extension:     true,
		PayloadType:   PayloadTypePCMA,
		Sequence:      1,
		Timestamp:     160,
		SSRC:          0xDEADBEEF,
		CSRC:          []uint32{0x11111111, 0x22222222, 0x33333333},
		ExtensionID:   0xBEDE,
		ExtensionData: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Payload:       []byte{0xFF, 0xFE},
	}

	parsed, err := ParseRTPPacket(p.Serialize())
	require.NoError(t, err)

	assert.True(t, parsed.Marker)
	assert.Equal(t, p.CSRC, parsed.CSRC)
	assert.Equal(t, uint16(0xBEDE), parsed.ExtensionID)
	assert.Equal(t, p.ExtensionData, parsed.ExtensionData)
	assert.Equal(t, p.Payload, parsed.Payload)
}

func TestRTPPacketPaddingStripped(t *testing.T) {
	p := &RTPPacket{
		Version:     2,
		PayloadType: PayloadTypePCMU,
		Sequence:    7,
		Timestamp:   1120,
		SSRC:        42,
	}
	// Padding flag plus three pad bytes, the last carrying the count.
	raw := p.Serialize()
	raw[0] |= 0x20
	raw = append(raw, 'a', 'b', 'c', 0, 0, 3)

	parsed, err := ParseRTPPacket(raw)
	require.NoError(t, err)
	assert.True(t, parsed.Padding)
	assert.Equal(t, []byte("abc"), parsed.Payload)
}

func TestRTPPacketTruncated(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"below fixed header", make([]byte, 11)},
		{"csrc count exceeds buffer", []byte{0x83, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}},
		{"extension flag without header", []byte{0x90, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRTPPacket(tc.raw)
			assert.ErrorIs(t, err, ErrPacketTooShort)
		})
	}
}

func TestRTPPacketBadVersionStillParses(t *testing.T) {
	p := &RTPPacket{Version: 1, PayloadType: 0, Sequence: 3, SSRC: 9}
	parsed, err := ParseRTPPacket(p.Serialize())
	require.NoError(t, err)
	assert.Equal(t, uint8(1), parsed.Version)
	assert.False(t, parsed.IsValid())
}

// Cross-check the hand-rolled codec against pion's on extension-free
// packets, both directions.
func TestRTPPacketMatchesPion(t *testing.T) {
	ours := &RTPPacket{
		Version:     2,
		Marker:      true,
		PayloadType: PayloadTypePCMU,
		Sequence:    60000,
		Timestamp:   0xCAFEBABE,
		SSRC:        0x01020304,
		CSRC:        []uint32{77, 88},
		Payload:     []byte{1, 2, 3, 4, 5},
	}

	var theirs pionrtp.Packet
	require.NoError(t, theirs.Unmarshal(ours.Serialize()))
	assert.Equal(t, ours.Sequence, theirs.SequenceNumber)
	assert.Equal(t, ours.Timestamp, theirs.Timestamp)
	assert.Equal(t, ours.SSRC, theirs.SSRC)
	assert.Equal(t, ours.CSRC, theirs.CSRC)
	assert.Equal(t, ours.Marker, theirs.Marker)
	assert.Equal(t, ours.Payload, theirs.Payload)

	wire, err := theirs.Marshal()
	require.NoError(t, err)
	back, err := ParseRTPPacket(wire)
	require.NoError(t, err)
	assert.Equal(t, ours.Sequence, back.Sequence)
	assert.Equal(t, ours.Payload, back.Payload)
}

func TestPayloadTypeName(t *testing.T) {
	testCases := []struct {
		pt   uint8
		want string
	}{
		{0, "PCMU"},
		{8, "PCMA"},
		{9, "G722"},
		{18, "G729"},
		{101, "telephone-event"},
		{111, "OPUS"},
		{77, "Unknown(77)"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, PayloadTypeName(tc.pt))
	}
}
