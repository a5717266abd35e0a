package media

import (
	"fmt"
	mathrand "math/rand"
	"sort"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"

	"voip-agent/pkg/metrics"
)

// samplesPerPacket returns the timestamp advance per packet for a payload
// type; unknown types get the 20 ms narrowband default.
func samplesPerPacket(payloadType uint8) uint32 {
	if info, ok := GetCodecInfo(payloadType); ok {
		return info.SamplesPerPacket
	}
	return 160
}

// clockRate returns the RTP clock for a payload type in Hz.
func clockRate(payloadType uint8) int {
	if info, ok := GetCodecInfo(payloadType); ok {
		return info.ClockRate
	}
	return 8000
}

// SessionConfig carries the tunables of one RTP session.
type SessionConfig struct {
	PayloadType       uint8
	LocalPort         int
	JitterBufferSize  int
	JitterBufferDelay time.Duration
	Logger            *logrus.Logger
}

type bufferedPacket struct {
	packet  *RTPPacket
	arrival time.Time
}

// SessionStats is a point-in-time snapshot of a session's counters.
type SessionStats struct {
	SSRC            uint32
	RemoteSSRC      uint32
	PacketsSent     uint64
	PacketsReceived uint64
	BytesReceived   uint64
	Duplicates      uint64
	OutOfOrder      uint64
	Dropped         uint64
	JitterMs        float64
	Buffered        int
}

// Session is one RTP media session: outgoing packetization state plus the
// incoming jitter buffer and reception statistics. It is owned by a single
// goroutine; it does no locking of its own.
type Session struct {
	cfg    SessionConfig
	logger *logrus.Logger

	ssrc      uint32
	sequence  uint16
	timestamp uint32

	// Reception state.
	remoteSSRC   uint32
	haveReceived bool
	lastSequence uint16
	seqCycles    uint32
	baseSequence uint16

	expectedSequence uint16
	haveExpected     bool

	lastTimestamp uint32
	lastArrival   time.Time
	jitter        float64 // milliseconds, RFC 3550 smoothed

	packetsSent     uint64
	packetsReceived uint64
	bytesReceived   uint64
	duplicates      uint64
	outOfOrder      uint64
	dropped         uint64

	// Interval accounting for RTCP fraction-lost.
	intervalExpectedPrev uint32
	intervalReceivedPrev uint64

	buffer map[uint16]bufferedPacket
}

// NewSession builds a session with random SSRC and initial sequence and
// timestamp, per RFC 3550 §5.1.
func NewSession(cfg SessionConfig) *Session {
	if cfg.JitterBufferSize <= 0 {
		cfg.JitterBufferSize = 50
	}
	if cfg.JitterBufferDelay <= 0 {
		cfg.JitterBufferDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger,
		ssrc:      mathrand.Uint32(),
		sequence:  uint16(mathrand.Uint32()),
		timestamp: mathrand.Uint32(),
		buffer:    make(map[uint16]bufferedPacket),
	}
}

// SSRC returns the local synchronization source identifier.
func (s *Session) SSRC() uint32 { return s.ssrc }

// LocalPort returns the port this session receives on.
func (s *Session) LocalPort() int { return s.cfg.LocalPort }

// PayloadType returns the negotiated payload type.
func (s *Session) PayloadType() uint8 { return s.cfg.PayloadType }

// CreatePacket wraps one frame of encoded audio in an RTP packet, stamped
// with the session's running sequence and timestamp. Sequence wraps mod
// 2^16; the timestamp advances by the payload's samples-per-packet.
func (s *Session) CreatePacket(audio []byte, marker bool) *RTPPacket {
	p := &RTPPacket{
		Version:     RTPVersion,
		Marker:      marker,
		PayloadType: s.cfg.PayloadType,
		Sequence:    s.sequence,
		Timestamp:   s.timestamp,
		SSRC:        s.ssrc,
		Payload:     audio,
	}
	s.sequence++
	s.timestamp += samplesPerPacket(s.cfg.PayloadType)
	s.packetsSent++
	return p
}

// ReceivePacket ingests one datagram and returns any packets the jitter
// buffer released, in playout order.
func (s *Session) ReceivePacket(data []byte) []*RTPPacket {
	return s.receiveAt(data, time.Now())
}

func (s *Session) receiveAt(data []byte, now time.Time) []*RTPPacket {
	p, err := ParseRTPPacket(data)
	if err != nil {
		s.logger.WithError(err).Debug("Dropping unparseable RTP packet")
		metrics.RecordRTPDropped("malformed")
		return nil
	}
	if !p.IsValid() {
		s.logger.WithField("version", p.Version).Debug("Dropping RTP packet with bad version")
		metrics.RecordRTPDropped("bad_version")
		return nil
	}

	s.packetsReceived++
	s.bytesReceived += uint64(len(p.Payload))
	if metrics.IsMetricsEnabled() {
		metrics.RTPPacketsReceived.Inc()
		metrics.RTPBytesReceived.Add(float64(len(p.Payload)))
	}

	s.updateJitter(p, now)

	if !s.haveReceived {
		s.haveReceived = true
		s.remoteSSRC = p.SSRC
		s.baseSequence = p.Sequence
		s.lastSequence = p.Sequence
		s.insert(p, now)
		return s.drain(now)
	}

	diff := int16(p.Sequence - s.lastSequence)
	switch {
	case diff > 0:
		if p.Sequence < s.lastSequence {
			s.seqCycles++
		}
		s.lastSequence = p.Sequence
		s.insert(p, now)
	case diff == 0:
		s.duplicates++
		metrics.RecordRTPDropped("duplicate")
		return nil
	default:
		s.outOfOrder++
		s.insert(p, now)
	}

	return s.drain(now)
}

// updateJitter applies the RFC 3550 interarrival jitter estimator in
// milliseconds: J += (|D| - J) / 16.
func (s *Session) updateJitter(p *RTPPacket, now time.Time) {
	if !s.lastArrival.IsZero() {
		rate := clockRate(s.cfg.PayloadType)
		expected := float64(int32(p.Timestamp-s.lastTimestamp)) * 1000 / float64(rate)
		observed := float64(now.Sub(s.lastArrival)) / float64(time.Millisecond)
		d := observed - expected
		if d < 0 {
			d = -d
		}
		s.jitter += (d - s.jitter) / 16
		if metrics.IsMetricsEnabled() {
			metrics.RTPJitter.WithLabelValues(formatSSRC(s.remoteSSRC)).Set(s.jitter)
		}
	}
	s.lastTimestamp = p.Timestamp
	s.lastArrival = now
}

func (s *Session) insert(p *RTPPacket, now time.Time) {
	if len(s.buffer) >= s.cfg.JitterBufferSize {
		if _, exists := s.buffer[p.Sequence]; !exists {
			s.evictLowest()
		}
	}
	s.buffer[p.Sequence] = bufferedPacket{packet: p, arrival: now}
}

func (s *Session) evictLowest() {
	first := true
	var lowest uint16
	for seq := range s.buffer {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	if !first {
		delete(s.buffer, lowest)
		s.dropped++
		metrics.RecordRTPDropped("overflow")
	}
}

// drain releases buffered packets in wrap-aware sequence order: any packet
// older than the target delay goes out, as does the head while the buffer
// sits at capacity.
func (s *Session) drain(now time.Time) []*RTPPacket {
	if len(s.buffer) == 0 {
		return nil
	}
	seqs := make([]uint16, 0, len(s.buffer))
	for seq := range s.buffer {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return int16(seqs[i]-seqs[j]) < 0
	})

	var released []*RTPPacket
	for _, seq := range seqs {
		entry := s.buffer[seq]
		aged := now.Sub(entry.arrival) >= s.cfg.JitterBufferDelay
		atCapacity := len(s.buffer) >= s.cfg.JitterBufferSize
		if !aged && !atCapacity {
			break
		}
		released = append(released, entry.packet)
		delete(s.buffer, seq)
	}
	if len(released) > 0 {
		last := released[len(released)-1].Sequence
		s.expectedSequence = last + 1
		s.haveExpected = true
	}
	return released
}

// Flush releases everything still buffered, in order. Used at teardown.
func (s *Session) Flush() []*RTPPacket {
	if len(s.buffer) == 0 {
		return nil
	}
	seqs := make([]uint16, 0, len(s.buffer))
	for seq := range s.buffer {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return int16(seqs[i]-seqs[j]) < 0
	})
	released := make([]*RTPPacket, 0, len(seqs))
	for _, seq := range seqs {
		released = append(released, s.buffer[seq].packet)
		delete(s.buffer, seq)
	}
	s.expectedSequence = released[len(released)-1].Sequence + 1
	s.haveExpected = true
	return released
}

// extendedHighest is the RFC 3550 extended highest sequence number.
func (s *Session) extendedHighest() uint32 {
	return s.seqCycles<<16 | uint32(s.lastSequence)
}

// ReceiverReport builds an RTCP receiver report for the remote sender.
// Sender-report echo fields stay zero; RTCP transmission is not wired up.
func (s *Session) ReceiverReport() *rtcp.ReceiverReport {
	var expected uint32
	if s.haveReceived {
		expected = s.extendedHighest() - uint32(s.baseSequence) + 1
	}
	var lost int64
	if expected > 0 {
		lost = int64(expected) - int64(s.packetsReceived)
		if lost < 0 {
			lost = 0
		}
	}

	var fraction uint8
	expectedInterval := expected - s.intervalExpectedPrev
	receivedInterval := s.packetsReceived - s.intervalReceivedPrev
	if expectedInterval > 0 && uint64(expectedInterval) > receivedInterval {
		fraction = uint8((uint64(expectedInterval) - receivedInterval) * 256 / uint64(expectedInterval))
	}
	s.intervalExpectedPrev = expected
	s.intervalReceivedPrev = s.packetsReceived

	return &rtcp.ReceiverReport{
		SSRC: s.ssrc,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               s.remoteSSRC,
			FractionLost:       fraction,
			TotalLost:          uint32(lost) & 0x00FFFFFF,
			LastSequenceNumber: s.extendedHighest(),
			Jitter:             uint32(s.jitter),
			LastSenderReport:   0,
			Delay:              0,
		}},
	}
}

func formatSSRC(ssrc uint32) string {
	return fmt.Sprintf("%08x", ssrc)
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		SSRC:            s.ssrc,
		RemoteSSRC:      s.remoteSSRC,
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsReceived,
		BytesReceived:   s.bytesReceived,
		Duplicates:      s.duplicates,
		OutOfOrder:      s.outOfOrder,
		Dropped:         s.dropped,
		JitterMs:        s.jitter,
		Buffered:        len(s.buffer),
	}
}
