package stomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserRoundTripsSerializedFrame(t *testing.T) {
	f := NewFrame("SEND", map[string]string{HdrDestination: "/queue/a"}, []byte("hello"))
	raw := f.Serialize()

	p := NewParser()
	require.NoError(t, p.Feed(raw))
	got, ok := p.Next()
	require.True(t, ok)

	assert.Equal(t, "SEND", got.Command)
	assert.Equal(t, "/queue/a", got.GetDefault(HdrDestination, ""))
	assert.Equal(t, "hello", string(got.Body))
}

func TestParserHandlesByteAtATimeFeed(t *testing.T) {
	f := NewFrame("SEND", map[string]string{HdrDestination: "/queue/a"}, []byte("hello"))
	raw := f.Serialize()

	p := NewParser()
	for i := range raw {
		require.NoError(t, p.Feed(raw[i:i+1]))
	}

	got, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "SEND", got.Command)
	assert.Equal(t, "hello", string(got.Body))
}

func TestParserSkipsHeartbeatsBetweenFrames(t *testing.T) {
	f := NewFrame("SEND", map[string]string{HdrDestination: "/queue/a"}, nil)
	var raw []byte
	raw = append(raw, '\n', '\n', '\r', '\n')
	raw = append(raw, f.Serialize()...)

	p := NewParser()
	require.NoError(t, p.Feed(raw))
	got, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "SEND", got.Command)
}

func TestParserContentLengthGovernsBodyWithEmbeddedNUL(t *testing.T) {
	body := []byte("a\x00b")
	f := NewFrame("SEND", map[string]string{HdrDestination: "/queue/a"}, body)
	raw := f.Serialize()

	p := NewParser()
	require.NoError(t, p.Feed(raw))
	got, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, body, got.Body)
}

func TestParserFirstHeaderOccurrenceWins(t *testing.T) {
	raw := []byte("SEND\ndestination:/queue/a\ndestination:/queue/b\n\nbody\x00")

	p := NewParser()
	require.NoError(t, p.Feed(raw))
	got, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "/queue/a", got.GetDefault(HdrDestination, ""))
}

func TestParserMalformedHeaderOnceNULSeen(t *testing.T) {
	raw := []byte("SEND\nbadheaderline\n\nbody\x00")

	p := NewParser()
	err := p.Feed(raw)
	assert.Error(t, err)
}

func TestParserMalformedHeaderDeferredUntilNUL(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Feed([]byte("SEND\nbadheaderline")))
	_, ok := p.Next()
	assert.False(t, ok, "must wait for more data before judging the header block malformed")

	err := p.Feed([]byte("\x00"))
	assert.Error(t, err)
}

func TestParserMultipleFramesInOneFeed(t *testing.T) {
	a := NewFrame("SEND", map[string]string{HdrDestination: "/a"}, []byte("1"))
	b := NewFrame("SEND", map[string]string{HdrDestination: "/b"}, []byte("2"))
	raw := append(a.Serialize(), b.Serialize()...)

	p := NewParser()
	require.NoError(t, p.Feed(raw))

	first, ok := p.Next()
	require.True(t, ok)
	second, ok := p.Next()
	require.True(t, ok)
	_, ok = p.Next()
	require.False(t, ok)

	assert.Equal(t, "/a", first.GetDefault(HdrDestination, ""))
	assert.Equal(t, "/b", second.GetDefault(HdrDestination, ""))
}
