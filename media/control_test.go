// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResendRequestMarshal(t *testing.T) {
	req := ResendRequest{RequestSeq: 7, FirstSeq: 100, Count: 3}
	buf := req.Marshal()

	require.Len(t, buf, 8)
	require.Equal(t, byte(0x80), buf[0])
	require.Equal(t, byte(0xD5), buf[1])
	require.Equal(t, uint16(7), be16(buf[2:4]))
	require.Equal(t, uint16(100), be16(buf[4:6]))
	require.Equal(t, uint16(3), be16(buf[6:8]))
}

func TestParseResendReplyStripsPrefix(t *testing.T) {
	original := []byte{0x80, 0x60, 0, 1, 0, 0, 0, 1, 'a', 'b', 'c'}
	wrapped := append([]byte{0x80, 0xD6, 0, 9}, original...)

	out, err := ParseResendReply(wrapped)
	require.NoError(t, err)
	require.Equal(t, original, out)
}

func TestParseResendReplyRejectsShortPacket(t *testing.T) {
	_, err := ParseResendReply([]byte{0x80, 0xD6})
	require.ErrorIs(t, err, ErrShortControlPacket)
}

func TestParseResendReplyRejectsWrongMarker(t *testing.T) {
	_, err := ParseResendReply([]byte{0x80, 0x60, 0, 0})
	require.ErrorIs(t, err, ErrNotResendReply)
}

func TestControllerRequestResendNoopWithoutControlPort(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	c, err := NewController(conn, net.IPv4(127, 0, 0, 1), 0, ControllerConfig{DoRetransmit: true})
	require.NoError(t, err)

	require.NoError(t, c.RequestResend(1, 1))
}

func TestControllerRoundTrip(t *testing.T) {
	// Simulated client control socket.
	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer clientConn.Close()

	clientAddr := clientConn.LocalAddr().(*net.UDPAddr)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	c, err := NewController(conn, clientAddr.IP, clientAddr.Port, ControllerConfig{DoRetransmit: true})
	require.NoError(t, err)

	var received []byte
	var mu sync.Mutex
	done := make(chan struct{})
	c.OnResendReply = func(pkt []byte) {
		mu.Lock()
		received = pkt
		mu.Unlock()
		close(done)
	}
	go c.Serve()

	require.NoError(t, c.RequestResend(5, 2))

	reqBuf := make([]byte, 64)
	n, raddr, err := clientConn.ReadFromUDP(reqBuf)
	require.NoError(t, err)
	require.Equal(t, byte(0xD5), reqBuf[1])

	reply := append([]byte{0x80, 0xD6, 0, 1}, []byte("retransmitted-rtp")...)
	_, err = clientConn.WriteToUDP(reply, raddr)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resend reply")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("retransmitted-rtp"), received)
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
