// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package discovery

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestTXTRecordsContainsPasswordFlag(t *testing.T) {
	txt := TXT{Password: true}
	records := txt.records()
	require.Contains(t, records, "pw=true")

	txt.Password = false
	records = txt.records()
	require.Contains(t, records, "pw=false")
}

func TestNewAdvertiserInstanceName(t *testing.T) {
	a := NewAdvertiser([6]byte{0x00, 0x51, 0x52, 0x53, 0x54, 0x55}, "Melo", 5000, TXT{})
	require.Equal(t, "005152535455@Melo", a.instance)
}

func TestBuildResponseAnswersPTRSRVTXT(t *testing.T) {
	a := NewAdvertiser([6]byte{0x00, 0x51, 0x52, 0x53, 0x54, 0x55}, "Melo", 5000, TXT{Password: true})

	msg := a.buildResponse(42)
	require.Len(t, msg.Answer, 3)

	var sawPTR, sawSRV, sawTXT bool
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.PTR:
			sawPTR = true
			require.Equal(t, serviceType, v.Hdr.Name)
			require.Equal(t, "005152535455@Melo."+serviceType, v.Ptr)
		case *dns.SRV:
			sawSRV = true
			require.Equal(t, uint16(5000), v.Port)
		case *dns.TXT:
			sawTXT = true
			require.Contains(t, v.Txt, "pw=true")
		}
	}
	require.True(t, sawPTR)
	require.True(t, sawSRV)
	require.True(t, sawTXT)
}

func TestMatchesQuestion(t *testing.T) {
	a := NewAdvertiser([6]byte{0, 1, 2, 3, 4, 5}, "Melo", 5000, TXT{})

	require.True(t, a.matchesQuestion(dns.Question{Name: serviceType}))
	require.True(t, a.matchesQuestion(dns.Question{Name: a.instanceFQDN()}))
	require.False(t, a.matchesQuestion(dns.Question{Name: "_airplay._tcp.local."}))
}
