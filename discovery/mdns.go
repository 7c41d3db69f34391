// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package discovery advertises the receiver over mDNS/DNS-SD so AirPlay
// clients can find it by Bonjour browsing for _raop._tcp. Message framing
// is built on github.com/miekg/dns, which exposes the raw PTR/SRV/TXT
// record types a hand-rolled responder needs; nothing in this module's
// reference corpus provides a higher-level Bonjour service-advertiser API.
package discovery

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	mdnsAddr    = "224.0.0.251:5353"
	serviceType = "_raop._tcp.local."
	defaultTTL  = 120
)

// TXT is the set of DNS-SD TXT keys a RAOP receiver advertises. See the
// AirPlay service-discovery surface: txtvers/ch/cn/ek/et/md/pw/sm/sr/ss/
// sv/tp/vn.
type TXT struct {
	Password bool
}

func (t TXT) records() []string {
	pw := "false"
	if t.Password {
		pw = "true"
	}
	return []string{
		"txtvers=1",
		"ch=2",
		"cn=0,1",
		"ek=1",
		"et=0,1",
		"md=0,1,2",
		"pw=" + pw,
		"sm=false",
		"sr=44100",
		"ss=16",
		"sv=false",
		"tp=TCP,UDP",
		"vn=3",
	}
}

// Advertiser registers, updates and removes a single _raop._tcp service
// instance. It owns one multicast UDP socket for the lifetime it is
// started.
type Advertiser struct {
	mu sync.Mutex

	conn     *net.UDPConn
	instance string // "<hwaddr>@<name>"
	host     string
	port     uint16
	txt      TXT

	log zerolog.Logger

	closed chan struct{}
}

// NewAdvertiser constructs an advertiser for the given HW address, friendly
// name, port and TXT payload. Call Start to begin answering queries.
func NewAdvertiser(hwAddr [6]byte, name string, port uint16, txt TXT) *Advertiser {
	instance := fmt.Sprintf("%02x%02x%02x%02x%02x%02x@%s",
		hwAddr[0], hwAddr[1], hwAddr[2], hwAddr[3], hwAddr[4], hwAddr[5], name)

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "raop-receiver"
	}

	return &Advertiser{
		instance: instance,
		host:     host,
		port:     port,
		txt:      txt,
		log:      log.With().Str("component", "mdns").Logger(),
	}
}

// Start opens the multicast socket and begins answering PTR/SRV/TXT
// queries for our service instance in the background.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return fmt.Errorf("resolve mdns addr: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("listen mdns multicast: %w", err)
	}

	a.conn = conn
	a.closed = make(chan struct{})

	go a.serve()
	a.log.Info().Str("instance", a.instance).Uint16("port", a.port).Msg("mDNS service advertised")
	return nil
}

// Update republishes the TXT record (and, if changed, the instance name and
// port) of the already-started service. Per the spec, name/password/port
// changes are live-republished.
func (a *Advertiser) Update(hwAddr [6]byte, name string, port uint16, txt TXT) {
	a.mu.Lock()
	a.instance = fmt.Sprintf("%02x%02x%02x%02x%02x%02x@%s",
		hwAddr[0], hwAddr[1], hwAddr[2], hwAddr[3], hwAddr[4], hwAddr[5], name)
	a.port = port
	a.txt = txt
	a.mu.Unlock()
}

// Stop releases the mDNS service handle.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	close(a.closed)
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *Advertiser) serve() {
	buf := make([]byte, 4096)
	for {
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.closed:
				return
			default:
				a.log.Debug().Err(err).Msg("mdns read stopped")
				return
			}
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		if len(msg.Question) == 0 {
			continue
		}

		for _, q := range msg.Question {
			if !a.matchesQuestion(q) {
				continue
			}
			resp := a.buildResponse(msg.Id)
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = a.conn.WriteToUDP(out, src)
			break
		}
	}
}

func (a *Advertiser) matchesQuestion(q dns.Question) bool {
	name := strings.ToLower(q.Name)
	return name == strings.ToLower(serviceType) ||
		name == strings.ToLower(a.instanceFQDN())
}

func (a *Advertiser) instanceFQDN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instance + "." + serviceType
}

func (a *Advertiser) buildResponse(id uint16) *dns.Msg {
	a.mu.Lock()
	instanceFQDN := a.instance + "." + serviceType
	host := dns.Fqdn(a.host)
	port := a.port
	txtRecords := a.txt.records()
	a.mu.Unlock()

	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.Authoritative = true

	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: defaultTTL},
		Ptr: instanceFQDN,
	})
	msg.Answer = append(msg.Answer, &dns.SRV{
		Hdr:      dns.RR_Header{Name: instanceFQDN, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: defaultTTL},
		Priority: 0,
		Weight:   0,
		Port:     port,
		Target:   host,
	})
	msg.Answer = append(msg.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: instanceFQDN, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: defaultTTL},
		Txt: txtRecords,
	})

	return msg
}
