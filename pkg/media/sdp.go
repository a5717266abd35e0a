package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// BuildSDP renders the session description offered in 200 OK answers:
// one audio stream, G.711 μ-law and A-law, 20 ms packetization.
func BuildSDP(user, localIP string, rtpPort int) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       user,
			SessionID:      1234567890,
			SessionVersion: 1234567890,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "VoIP Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: rtpPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0", "8"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: "0 PCMU/8000"},
				{Key: "rtpmap", Value: "8 PCMA/8000"},
				{Key: "ptime", Value: "20"},
				{Key: "maxptime", Value: "40"},
			},
		}},
	}
	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling SDP: %w", err)
	}
	return body, nil
}

// RemoteMedia is the peer's audio endpoint extracted from its SDP.
type RemoteMedia struct {
	Host string
	Port int
}

// ParseRemoteMedia extracts the audio address from an SDP body: the first
// audio media line's port and its connection address (media-level first,
// session-level as fallback).
func ParseRemoteMedia(body []byte) (RemoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return RemoteMedia{}, fmt.Errorf("parsing SDP: %w", err)
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		host := ""
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			host = m.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			host = desc.ConnectionInformation.Address.Address
		}
		if host == "" {
			return RemoteMedia{}, fmt.Errorf("SDP audio stream has no connection address")
		}
		return RemoteMedia{Host: host, Port: m.MediaName.Port.Value}, nil
	}
	return RemoteMedia{}, fmt.Errorf("SDP has no audio stream")
}
