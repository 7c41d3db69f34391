// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	lastReq *Request
}

func (h *echoHandler) HandleRequest(c *Conn, req *Request) *Response {
	h.lastReq = req
	resp := NewResponse(200)
	resp.SetHeader("CSeq", req.Header("CSeq"))
	resp.SetHeader("Server", "go-raop/1.0")
	return resp
}

func (h *echoHandler) HandleClose(c *Conn) {}

func TestServeParsesRequestAndWritesResponse(t *testing.T) {
	h := &echoHandler{}
	srv, err := Listen("127.0.0.1:0", h)
	require.NoError(t, err)
	defer srv.Close()

	go srv.Serve()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body := "volume: -15.000000"
	req := fmt.Sprintf("SET_PARAMETER rtsp://127.0.0.1/stream RTSP/1.0\r\nCSeq: 5\r\nContent-Type: text/parameters\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tp := textproto.NewReader(bufio.NewReader(conn))
	statusLine, err := tp.ReadLine()
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	headers, err := tp.ReadMIMEHeader()
	require.NoError(t, err)
	require.Equal(t, "5", headers.Get("CSeq"))
	require.Equal(t, "go-raop/1.0", headers.Get("Server"))

	require.NotNil(t, h.lastReq)
	require.Equal(t, "SET_PARAMETER", h.lastReq.Method)
	require.Equal(t, body, string(h.lastReq.Body))
}

func TestReadRequestRejectsMalformedRequestLine(t *testing.T) {
	h := &echoHandler{}
	srv, err := Listen("127.0.0.1:0", h)
	require.NoError(t, err)
	defer srv.Close()

	go srv.Serve()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GARBAGE\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.True(t, n == 0 || err != nil)
}
