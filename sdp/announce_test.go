// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const alacAnnounce = `v=0
o=iTunes 3274449487 0 IN IP4 192.168.1.50
s=iTunes
c=IN IP4 192.168.1.60
t=0 0
m=audio 0 RTP/AVP 96
a=rtpmap:96 AppleLossless
a=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100
a=rsaaeskey:QUJDRA
a=aesiv:MTIzNDU2Nzg5MDEyMzQ1Ng`

func TestParseAudioAnnounceALAC(t *testing.T) {
	a, err := ParseAudioAnnounce([]byte(alacAnnounce))
	require.NoError(t, err)
	require.Equal(t, CodecALAC, a.Codec)
	require.Equal(t, uint32(44100), a.SampleRate)
	require.Equal(t, uint32(2), a.Channels)
	require.Equal(t, "QUJDRA", a.AESKeyB64)
	require.Equal(t, "MTIzNDU2Nzg5MDEyMzQ1Ng", a.AESIVB64)
}

func TestParseAudioAnnouncePCM(t *testing.T) {
	body := `v=0
o=- 0 0 IN IP4 0.0.0.0
s=-
c=IN IP4 0.0.0.0
t=0 0
m=audio 0 RTP/AVP 96
a=rtpmap:96 L16/32000/1`

	a, err := ParseAudioAnnounce([]byte(body))
	require.NoError(t, err)
	require.Equal(t, CodecPCM, a.Codec)
	require.Equal(t, uint32(32000), a.SampleRate)
	require.Equal(t, uint32(1), a.Channels)
}

func TestParseAudioAnnounceAACDefaults(t *testing.T) {
	body := `v=0
o=- 0 0 IN IP4 0.0.0.0
s=-
c=IN IP4 0.0.0.0
t=0 0
m=audio 0 RTP/AVP 96
a=rtpmap:96 mpeg4-generic/44100
a=fmtp:96 profile-level-id=1;mode=AAC-hbr`

	a, err := ParseAudioAnnounce([]byte(body))
	require.NoError(t, err)
	require.Equal(t, CodecAAC, a.Codec)
	require.Equal(t, uint32(44100), a.SampleRate)
	require.Equal(t, uint32(2), a.Channels)
}

func TestParseAudioAnnounceRejectsUnknownCodec(t *testing.T) {
	body := `v=0
o=- 0 0 IN IP4 0.0.0.0
s=-
c=IN IP4 0.0.0.0
t=0 0
m=audio 0 RTP/AVP 96
a=rtpmap:96 opus/48000`

	_, err := ParseAudioAnnounce([]byte(body))
	require.Error(t, err)
}

func TestParseAudioAnnounceMissingAudioBlock(t *testing.T) {
	body := `v=0
o=- 0 0 IN IP4 0.0.0.0
s=-
c=IN IP4 0.0.0.0
t=0 0
m=video 0 RTP/AVP 96`

	_, err := ParseAudioAnnounce([]byte(body))
	require.Error(t, err)
}

func TestDecodeLenientBase64(t *testing.T) {
	// "hello" base64 with both pads stripped
	got, err := DecodeLenientBase64("aGVsbG8")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}
