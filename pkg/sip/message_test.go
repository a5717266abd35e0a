package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInvite = "INVITE sip:bob@127.0.0.1 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 192.168.1.10:5060;branch=z9hG4bKabc123\r\n" +
	"Max-Forwards: 70\r\n" +
	"From: \"Alice\" <sip:alice@127.0.0.1>;tag=alice1\r\n" +
	"To: <sip:bob@127.0.0.1>\r\n" +
	"Call-ID: call-42@192.168.1.10\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Contact: <sip:alice@192.168.1.10:5060>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 23\r\n" +
	"\r\n" +
	"v=0\r\no=- 0 0 IN IP4 0\r\n"

func TestParseMessageRequest(t *testing.T) {
	msg, err := ParseMessage([]byte(sampleInvite))
	require.NoError(t, err)

	assert.Equal(t, KindRequest, msg.Kind)
	assert.Equal(t, MethodInvite, msg.Method)
	assert.Equal(t, "sip:bob@127.0.0.1", msg.RequestURI)
	assert.Equal(t, SIPVersion, msg.Version)
	assert.Equal(t, "call-42@192.168.1.10", msg.CallID())
	assert.Equal(t, "alice1", msg.FromTag())
	assert.Equal(t, "", msg.ToTag())
	assert.Equal(t, "z9hG4bKabc123", ExtractBranch(msg.GetHeader("Via")))

	cseq, ok := msg.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(1), cseq.Sequence)
	assert.Equal(t, MethodInvite, cseq.Method)

	assert.Equal(t, "v=0\r\no=- 0 0 IN IP4 0\r\n", string(msg.Body))
}

func TestParseMessageResponse(t *testing.T) {
	raw := "SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.10:5060;branch=z9hG4bKabc123\r\n" +
		"From: <sip:alice@127.0.0.1>;tag=alice1\r\n" +
		"To: <sip:bob@127.0.0.1>;tag=bob9\r\n" +
		"Call-ID: call-42@192.168.1.10\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, 180, msg.StatusCode)
	assert.Equal(t, "Ringing", msg.Reason)
	assert.Equal(t, "bob9", msg.ToTag())
	assert.Nil(t, msg.Body)
}

func TestParseMessageTolerance(t *testing.T) {
	testCases := []struct {
		name   string
		raw    string
		verify func(t *testing.T, msg *Message)
	}{
		{
			name: "bare LF line endings",
			raw:  "OPTIONS sip:bob@host SIP/2.0\nVia: SIP/2.0/UDP h:5060;branch=z9hG4bKx\nCall-ID: c1\nCSeq: 7 OPTIONS\n\n",
			verify: func(t *testing.T, msg *Message) {
				assert.Equal(t, MethodOptions, msg.Method)
				assert.Equal(t, "c1", msg.CallID())
			},
		},
		{
			name: "folded header continuation",
			raw:  "BYE sip:bob@host SIP/2.0\r\nSubject: first part\r\n\tsecond part\r\nCall-ID: c2\r\n\r\n",
			verify: func(t *testing.T, msg *Message) {
				assert.Equal(t, "first part second part", msg.GetHeader("Subject"))
			},
		},
		{
			name: "header names case-insensitive",
			raw:  "BYE sip:bob@host SIP/2.0\r\nCALL-ID: c3\r\ncseq: 2 BYE\r\n\r\n",
			verify: func(t *testing.T, msg *Message) {
				assert.Equal(t, "c3", msg.GetHeader("Call-ID"))
				cseq, ok := msg.CSeq()
				assert.True(t, ok)
				assert.Equal(t, uint32(2), cseq.Sequence)
			},
		},
		{
			name: "content-length bounds body",
			raw:  "INFO sip:bob@host SIP/2.0\r\nContent-Length: 4\r\n\r\npayload-trailing-junk",
			verify: func(t *testing.T, msg *Message) {
				assert.Equal(t, "payl", string(msg.Body))
			},
		},
		{
			name: "missing content-length keeps remainder",
			raw:  "INFO sip:bob@host SIP/2.0\r\nCall-ID: c4\r\n\r\nhello body",
			verify: func(t *testing.T, msg *Message) {
				assert.Equal(t, "hello body", string(msg.Body))
			},
		},
		{
			name: "unknown method still parses",
			raw:  "PUBLISH sip:bob@host SIP/2.0\r\nCall-ID: c5\r\n\r\n",
			verify: func(t *testing.T, msg *Message) {
				assert.Equal(t, "PUBLISH", msg.Method)
				assert.False(t, IsKnownMethod(msg.Method))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.raw))
			require.NoError(t, err)
			tc.verify(t, msg)
		})
	}
}

func TestParseMessageMalformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"empty buffer", ""},
		{"short request line", "INVITE sip:bob@host\r\n\r\n"},
		{"short status line", "SIP/2.0 200\r\n\r\n"},
		{"non-numeric status", "SIP/2.0 OK OK\r\n\r\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg, err := ParseMessage([]byte(sampleInvite))
	require.NoError(t, err)

	again, err := ParseMessage(msg.Serialize())
	require.NoError(t, err)

	assert.Equal(t, msg.Method, again.Method)
	assert.Equal(t, msg.RequestURI, again.RequestURI)
	assert.Equal(t, msg.HeaderNames(), again.HeaderNames())
	assert.Equal(t, msg.Body, again.Body)
}

func TestNewResponseEchoesHeaders(t *testing.T) {
	req, err := ParseMessage([]byte(sampleInvite))
	require.NoError(t, err)

	resp := NewResponse(req, 180, "")
	assert.Equal(t, "Ringing", resp.Reason)
	assert.Equal(t, req.GetHeader("Via"), resp.GetHeader("Via"))
	assert.Equal(t, req.GetHeader("From"), resp.GetHeader("From"))
	assert.Equal(t, req.GetHeader("To"), resp.GetHeader("To"))
	assert.Equal(t, req.CallID(), resp.CallID())
	assert.Equal(t, req.GetHeader("CSeq"), resp.GetHeader("CSeq"))
	assert.False(t, resp.HasHeader("Contact"))
}

func TestHeaderMutation(t *testing.T) {
	msg := NewRequest(MethodRegister, "sip:registrar")
	msg.AddHeader("Via", "first")
	msg.AddHeader("Via", "second")
	assert.Equal(t, []string{"first", "second"}, msg.GetHeaders("Via"))

	msg.SetHeader("Via", "only")
	assert.Equal(t, []string{"only"}, msg.GetHeaders("Via"))

	msg.DelHeader("Via")
	assert.False(t, msg.HasHeader("Via"))
	assert.Equal(t, "", msg.GetHeader("Via"))
}

func TestExtractTag(t *testing.T) {
	testCases := []struct {
		header string
		want   string
	}{
		{"<sip:alice@host>;tag=abc123", "abc123"},
		{"\"Alice\" <sip:alice@host>;tag=xyz;other=1", "xyz"},
		{"<sip:alice@host>", ""},
		{"<sip:tagged@host>;tag=t1", "t1"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ExtractTag(tc.header), tc.header)
	}
}

func TestExtractURIUser(t *testing.T) {
	testCases := []struct {
		header string
		want   string
	}{
		{"\"Alice\" <sip:alice@example.com>;tag=x", "alice"},
		{"sip:bob@10.0.0.1:5060", "bob"},
		{"<sips:carol@example.com>", "carol"},
		{"<sip:example.com>", ""},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ExtractURIUser(tc.header), tc.header)
	}
}

func TestGenerateBranch(t *testing.T) {
	b1 := GenerateBranch()
	b2 := GenerateBranch()
	assert.True(t, strings.HasPrefix(b1, BranchMagicCookie))
	assert.NotEqual(t, b1, b2)
	assert.GreaterOrEqual(t, len(b1), len(BranchMagicCookie)+7)
}
