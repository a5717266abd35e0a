package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSDPExactForm(t *testing.T) {
	body, err := BuildSDP("alice", "192.168.1.5", 24680)
	require.NoError(t, err)

	want := "v=0\r\n" +
		"o=alice 1234567890 1234567890 IN IP4 192.168.1.5\r\n" +
		"s=VoIP Call\r\n" +
		"c=IN IP4 192.168.1.5\r\n" +
		"t=0 0\r\n" +
		"m=audio 24680 RTP/AVP 0 8\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=ptime:20\r\n" +
		"a=maxptime:40\r\n"
	assert.Equal(t, want, string(body))
}

func TestParseRemoteMedia(t *testing.T) {
	body, err := BuildSDP("bob", "10.1.2.3", 31000)
	require.NoError(t, err)

	remote, err := ParseRemoteMedia(body)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", remote.Host)
	assert.Equal(t, 31000, remote.Port)
}

func TestParseRemoteMediaSessionLevelConnection(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.9.8.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.9.8.7\r\n" +
		"t=0 0\r\n" +
		"m=video 5000 RTP/AVP 96\r\n" +
		"m=audio 5002 RTP/AVP 0\r\n"

	remote, err := ParseRemoteMedia([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "10.9.8.7", remote.Host)
	assert.Equal(t, 5002, remote.Port)
}

func TestParseRemoteMediaErrors(t *testing.T) {
	_, err := ParseRemoteMedia([]byte("garbage"))
	assert.Error(t, err)

	noAudio := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n"
	_, err = ParseRemoteMedia([]byte(noAudio))
	assert.Error(t, err)
}
