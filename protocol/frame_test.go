package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	typ  PackageType
	body []byte
}

func collect(t *testing.T, maxBody int) (*Parser, *[]emitted) {
	t.Helper()
	var got []emitted
	p := NewParser(func(typ PackageType, body []byte) error {
		got = append(got, emitted{typ: typ, body: body})
		return nil
	}, maxBody)
	return p, &got
}

func TestEncode(t *testing.T) {
	buf, err := Encode(Data, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf)

	buf, err = Encode(HandshakeAck, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0}, buf)
}

func TestEncode_Invalid(t *testing.T) {
	_, err := Encode(PackageType(9), nil)
	assert.True(t, errors.Is(err, ErrInvalidPackageType))

	_, err = Encode(Data, make([]byte, MaxBodyLength+1))
	assert.True(t, errors.Is(err, ErrPackageTooLarge))
}

func TestParser_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  PackageType
		body []byte
	}{
		{"empty heartbeat", Heartbeat, nil},
		{"handshake", Handshake, []byte(`{"sys":{"type":"c","version":"1.0.0"}}`)},
		{"data", Data, bytes.Repeat([]byte{0xab}, 1000)},
		{"large", Data, bytes.Repeat([]byte{1}, 70000)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(tc.typ, tc.body)
			require.NoError(t, err)

			p, got := collect(t, 0)
			require.NoError(t, p.Feed(buf))
			require.Len(t, *got, 1)
			assert.Equal(t, tc.typ, (*got)[0].typ)
			assert.Equal(t, len(tc.body), len((*got)[0].body))
			assert.True(t, bytes.Equal(tc.body, (*got)[0].body))
		})
	}
}

func TestParser_ByteByByte(t *testing.T) {
	body := []byte("split everywhere")
	buf, err := Encode(Data, body)
	require.NoError(t, err)

	p, got := collect(t, 0)
	for i := range buf {
		require.NoError(t, p.Feed(buf[i:i+1]))
		if i < len(buf)-1 {
			require.Empty(t, *got)
		}
	}
	require.Len(t, *got, 1)
	assert.Equal(t, body, (*got)[0].body)
}

func TestParser_EverySplitPoint(t *testing.T) {
	body := []byte(`{"msg":"hi"}`)
	buf, err := Encode(Data, body)
	require.NoError(t, err)

	for i := 0; i <= len(buf); i++ {
		for j := i; j <= len(buf); j++ {
			p, got := collect(t, 0)
			require.NoError(t, p.Feed(buf[:i]))
			require.NoError(t, p.Feed(buf[i:j]))
			require.NoError(t, p.Feed(buf[j:]))
			require.Len(t, *got, 1, "split %d/%d", i, j)
			assert.Equal(t, Data, (*got)[0].typ)
			assert.Equal(t, body, (*got)[0].body)
		}
	}
}

func TestParser_RandomChunks(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	var stream []byte
	var want []emitted
	for i := 0; i < 50; i++ {
		body := make([]byte, rnd.Intn(300))
		rnd.Read(body)
		typ := PackageType(rnd.Intn(4) + 1)
		buf, err := Encode(typ, body)
		require.NoError(t, err)
		stream = append(stream, buf...)
		want = append(want, emitted{typ: typ, body: body})
	}

	p, got := collect(t, 0)
	for len(stream) > 0 {
		n := rnd.Intn(64)
		if n > len(stream) {
			n = len(stream)
		}
		require.NoError(t, p.Feed(stream[:n]))
		stream = stream[n:]
	}

	require.Len(t, *got, len(want))
	for i := range want {
		assert.Equal(t, want[i].typ, (*got)[i].typ)
		assert.True(t, bytes.Equal(want[i].body, (*got)[i].body))
	}
}

func TestParser_MultiplePackagesInOneChunk(t *testing.T) {
	a, _ := Encode(Heartbeat, nil)
	b, _ := Encode(Data, []byte("b"))
	c, _ := Encode(Handshake, []byte("c"))

	p, got := collect(t, 0)
	require.NoError(t, p.Feed(append(append(a, b...), c...)))
	require.Len(t, *got, 3)
	assert.Equal(t, Heartbeat, (*got)[0].typ)
	assert.Equal(t, Data, (*got)[1].typ)
	assert.Equal(t, Handshake, (*got)[2].typ)
}

func TestParser_EmptyChunk(t *testing.T) {
	p, got := collect(t, 0)
	require.NoError(t, p.Feed(nil))
	require.NoError(t, p.Feed([]byte{}))
	assert.Empty(t, *got)
}

func TestParser_InvalidType(t *testing.T) {
	p, _ := collect(t, 0)
	err := p.Feed([]byte{7, 0, 0, 0})
	assert.True(t, errors.Is(err, ErrInvalidPackageType))
	assert.True(t, p.Closed())
}

func TestParser_TooLarge(t *testing.T) {
	p, _ := collect(t, 16)
	err := p.Feed([]byte{byte(Data), 0, 0, 17})
	assert.True(t, errors.Is(err, ErrPackageTooLarge))
}

func TestParser_Closed(t *testing.T) {
	p, _ := collect(t, 0)
	p.Close()
	assert.Equal(t, ErrParserClosed, p.Feed([]byte{1}))
	assert.Equal(t, ErrParserClosed, p.Feed(nil))
}

func TestParser_HandlerError(t *testing.T) {
	boom := errors.New("boom")
	p := NewParser(func(PackageType, []byte) error { return boom }, 0)

	buf, _ := Encode(Heartbeat, nil)
	assert.Equal(t, boom, p.Feed(buf))
	assert.True(t, p.Closed())
}

func TestParser_Reset(t *testing.T) {
	p, got := collect(t, 0)
	require.NoError(t, p.Feed([]byte{byte(Data), 0, 0, 3, 'a'}))
	p.Reset()

	buf, _ := Encode(Data, []byte("xyz"))
	require.NoError(t, p.Feed(buf))
	require.Len(t, *got, 1)
	assert.Equal(t, []byte("xyz"), (*got)[0].body)
}

func TestPackageType_String(t *testing.T) {
	assert.Equal(t, "handshake", Handshake.String())
	assert.Equal(t, "handshake_ack", HandshakeAck.String())
	assert.Equal(t, "heartbeat", Heartbeat.String())
	assert.Equal(t, "data", Data.String())
	assert.Equal(t, "unknown(9)", PackageType(9).String())
}
