// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package rtsp implements the RTSP/1.0 control plane: a small from-scratch
// wire transport (this file) and the per-connection session FSM
// (session.go) that dispatches OPTIONS/ANNOUNCE/SETUP/RECORD/FLUSH/
// SET_PARAMETER/GET_PARAMETER/TEARDOWN.
package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RTSPDebug mirrors the teacher's per-subsystem debug toggle.
var RTSPDebug = false

// Request is a parsed RTSP request: method/URL/CSeq plus raw headers and
// body, the minimal surface §1's "assumed external RTSP transport" needs
// to hand the session FSM.
type Request struct {
	Method  string
	URL     string
	Proto   string
	Headers textproto.MIMEHeader
	Body    []byte
}

// Header returns a request header, case-insensitively, empty string if
// absent.
func (r *Request) Header(name string) string {
	return r.Headers.Get(name)
}

// Response is what a handler builds in reply to a Request.
type Response struct {
	StatusCode int
	Reason     string
	Headers    textproto.MIMEHeader
	Body       []byte
}

// NewResponse starts a 200 OK response with an empty header set.
func NewResponse(code int) *Response {
	return &Response{
		StatusCode: code,
		Reason:     reasonPhrase(code),
		Headers:    textproto.MIMEHeader{},
	}
}

func (r *Response) SetHeader(name, value string) *Response {
	r.Headers.Set(name, value)
	return r
}

func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// Handler processes one parsed request on a connection and returns the
// response to write back. Implementations must always return a non-nil
// response (§7: "all handlers MUST set some response before returning").
type Handler interface {
	HandleRequest(c *Conn, req *Request) *Response
	HandleClose(c *Conn)
}

// Conn is one accepted RTSP connection, identified for the lifetime of the
// process the way the teacher identifies dialogs/sessions with uuid.New().
type Conn struct {
	net.Conn
	ID uuid.UUID

	mu sync.Mutex
}

// Server listens for RTSP/1.0 connections and feeds parsed requests to a
// Handler, one goroutine per connection, serialized per-connection in
// receive order (§5: "within a connection, RTSP method callbacks are
// serialized in receive order").
type Server struct {
	listener net.Listener
	handler  Handler
	log      zerolog.Logger

	wg sync.WaitGroup
}

// Listen binds addr (":5000"-style) and returns a Server ready to Serve.
func Listen(addr string, handler Handler) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtsp listen: %w", err)
	}
	return &Server{
		listener: l,
		handler:  handler,
		log:      log.With().Str("component", "rtsp-transport").Logger(),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return err
		}
		c := &Conn{Conn: nc, ID: uuid.New()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// Close stops accepting connections. In-flight connections are not forced
// closed; callers wanting a hard shutdown should close those separately.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) serveConn(c *Conn) {
	defer func() {
		s.handler.HandleClose(c)
		c.Close()
	}()

	r := bufio.NewReader(c)
	tp := textproto.NewReader(r)

	for {
		req, err := readRequest(tp)
		if err != nil {
			if err != io.EOF && RTSPDebug {
				s.log.Debug().Err(err).Str("conn", c.ID.String()).Msg("rtsp read stopped")
			}
			return
		}

		resp := s.handler.HandleRequest(c, req)
		if resp == nil {
			resp = NewResponse(500)
		}
		if err := writeResponse(c, resp); err != nil {
			if RTSPDebug {
				s.log.Debug().Err(err).Str("conn", c.ID.String()).Msg("rtsp write failed")
			}
			return
		}
	}
}

func readRequest(tp *textproto.Reader) (*Request, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("rtsp: malformed request line %q", line)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("rtsp: read headers: %w", err)
	}

	req := &Request{
		Method:  parts[0],
		URL:     parts[1],
		Proto:   parts[2],
		Headers: headers,
	}

	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("rtsp: bad content-length: %w", err)
		}
		if n > 0 {
			body := make([]byte, n)
			if _, err := io.ReadFull(tp.R, body); err != nil {
				return nil, fmt.Errorf("rtsp: read body: %w", err)
			}
			req.Body = body
		}
	}

	return req, nil
}

func writeResponse(w io.Writer, resp *Response) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "RTSP/1.0 %d %s\r\n", resp.StatusCode, resp.Reason); err != nil {
		return err
	}

	if len(resp.Body) > 0 {
		resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	for name, values := range resp.Headers {
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(resp.Body) > 0 {
		if _, err := bw.Write(resp.Body); err != nil {
			return err
		}
	}

	return bw.Flush()
}
