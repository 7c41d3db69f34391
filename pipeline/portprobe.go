// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package pipeline assembles the UDP or TCP media pipeline a session needs
// once SETUP negotiates a transport (C7): binding the audio/control/timing
// sockets, wiring the depayloader and control channel together, and
// releasing everything on teardown.
package pipeline

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrPortsExhausted is returned when no free port was found within the
// probe window.
var ErrPortsExhausted = errors.New("pipeline: no free port in probe window")

const (
	probeStep   = 2
	probeWindow = 100
)

// ProbeUDPPort binds the first free UDP port starting at base, advancing by
// +2 up to base+100 (§4.5: "start at the desired base and step by +2 up to
// base+100; fail if exhausted"). The bound connection is returned so the
// caller keeps ownership of the socket instead of probing and rebinding.
func ProbeUDPPort(ip net.IP, base int) (*net.UDPConn, int, error) {
	for port := base; port <= base+probeWindow; port += probeStep {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: base=%d", ErrPortsExhausted, base)
}

// ProbeTCPListener binds the first free TCP listener starting at base, same
// +2/window-of-100 policy as ProbeUDPPort.
func ProbeTCPListener(ip net.IP, base int) (*net.TCPListener, int, error) {
	for port := base; port <= base+probeWindow; port += probeStep {
		l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: ip, Port: port})
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: base=%d", ErrPortsExhausted, base)
}

// portPool serializes port probing across concurrent pipeline builds so two
// sessions never race to bind the same candidate port, mirroring the
// mutex-protected allocator idiom in the reference corpus while keeping the
// spec's probe-by-bind semantics instead of a pre-sized free list.
type portPool struct {
	mu sync.Mutex
}

var defaultPool portPool

func (p *portPool) probeUDP(ip net.IP, base int) (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProbeUDPPort(ip, base)
}

func (p *portPool) probeTCP(ip net.IP, base int) (*net.TCPListener, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProbeTCPListener(ip, base)
}
