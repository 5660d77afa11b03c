package bittorrent

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	b        = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	expected = "0102030405060708090a0b0c0d0e0f1011121314"
)

var peerStringTestCases = []struct {
	input    Peer
	expected string
}{
	{
		input:    Peer{AddrPort: netip.AddrPortFrom(netip.MustParseAddr("10.11.12.1"), 1234)},
		expected: fmt.Sprintf("%s@[10.11.12.1]:1234", expected),
	},
	{
		input:    Peer{AddrPort: netip.AddrPortFrom(netip.MustParseAddr("2001:db8::ff00:42:8329"), 1234)},
		expected: fmt.Sprintf("%s@[2001:db8::ff00:42:8329]:1234", expected),
	},
}

func TestPeerID_String(t *testing.T) {
	pid, err := NewPeerID(b)
	require.Nil(t, err)
	s := pid.String()
	require.Equal(t, expected, s)
}

func TestInfoHash_String(t *testing.T) {
	ih, err := NewInfoHash(b)
	require.Nil(t, err)
	require.Equal(t, expected, ih.String())
}

func TestInfoHash_TruncateV1(t *testing.T) {
	v2 := make([]byte, InfoHashV2Len)
	copy(v2, b)
	ih, err := NewInfoHash(v2)
	require.Nil(t, err)
	require.Len(t, string(ih.TruncateV1()), InfoHashV1Len)
}

func TestPeer_String(t *testing.T) {
	pid, err := NewPeerID(b)
	require.Nil(t, err)
	for _, c := range peerStringTestCases {
		c.input.ID = pid
		got := c.input.String()
		require.Equal(t, c.expected, got)
	}
}

func TestPeer_RawStringRoundTrip(t *testing.T) {
	pid, err := NewPeerID(b)
	require.Nil(t, err)
	p := Peer{ID: pid, AddrPort: netip.AddrPortFrom(netip.MustParseAddr("10.11.12.1"), 1234)}
	got, err := NewPeer(p.RawString())
	require.Nil(t, err)
	require.True(t, p.Equal(got))
}

func TestEvent_String(t *testing.T) {
	for _, c := range []struct {
		in  string
		out Event
	}{
		{"", None},
		{"started", Started},
		{"stopped", Stopped},
		{"completed", Completed},
	} {
		e, err := NewEvent(c.in)
		require.Nil(t, err)
		require.Equal(t, c.out, e)
	}

	_, err := NewEvent("bogus")
	require.NotNil(t, err)
}
