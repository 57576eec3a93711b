package sipua

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/agentphone/internal/agent/media"
)

const offerSDP = "v=0\r\n" +
	"o=- 3912 3912 IN IP4 10.1.2.3\r\n" +
	"s=pbx\r\n" +
	"c=IN IP4 10.1.2.3\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 9 8 0 101\r\n" +
	"a=rtpmap:9 G722/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func TestParseOfferPicksFirstSupportedCodec(t *testing.T) {
	t.Parallel()

	offer, err := ParseOffer([]byte(offerSDP))
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", offer.Addr)
	require.Equal(t, 40000, offer.Port)
	require.Equal(t, media.CodecPCMA, offer.Codec)
}

func TestParseOfferErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseOffer(nil)
	require.Error(t, err)

	video := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"
	_, err = ParseOffer([]byte(video))
	require.ErrorContains(t, err, "no audio")

	noCodec := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 5000 RTP/AVP 9 101\r\n"
	_, err = ParseOffer([]byte(noCodec))
	require.ErrorIs(t, err, ErrNoCommonCodec)
}

func TestSelectCodecSkipsGarbage(t *testing.T) {
	t.Parallel()

	c, err := selectCodec([]string{"x", "300", "0"})
	require.NoError(t, err)
	require.Equal(t, media.CodecPCMU, c)
}

func TestBuildAnswerIsParseable(t *testing.T) {
	t.Parallel()

	body, err := BuildAnswer("192.168.1.20", 20000, media.CodecPCMU, 42)
	require.NoError(t, err)
	require.Contains(t, string(body), "a=rtpmap:0 PCMU/8000")
	require.Contains(t, string(body), "a=ptime:20")

	offer, err := ParseOffer(body)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.20", offer.Addr)
	require.Equal(t, 20000, offer.Port)
	require.Equal(t, media.CodecPCMU, offer.Codec)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Registrar: "pbx.example.com:5060"}
	cfg.setDefaults()
	require.Equal(t, "pbx.example.com", cfg.Domain)
	require.Equal(t, "0.0.0.0", cfg.BindAddr)
	require.Equal(t, 5070, cfg.Port)
	require.Equal(t, "udp", cfg.Transport)
	require.Equal(t, 5*time.Minute, cfg.Expires)

	cfg = Config{Registrar: "pbx.example.com", Domain: "agents.example.com"}
	cfg.setDefaults()
	require.Equal(t, "agents.example.com", cfg.Domain)
}

func TestAdvertiseHost(t *testing.T) {
	t.Parallel()

	u := &UA{cfg: Config{BindAddr: "0.0.0.0"}}
	require.Equal(t, "127.0.0.1", u.advertiseHost())
	u.cfg.BindAddr = "10.0.0.7"
	require.Equal(t, "10.0.0.7", u.advertiseHost())
	u.cfg.AdvertiseAddr = "203.0.113.9"
	require.Equal(t, "203.0.113.9", u.advertiseHost())
}

func TestReasonPhrase(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Busy Here", reasonPhrase(486))
	require.Equal(t, "Decline", reasonPhrase(603))
	require.Equal(t, "Temporarily Unavailable", reasonPhrase(480))
	require.Equal(t, "Rejected", reasonPhrase(499))
}

func TestPortPoolRoundRobin(t *testing.T) {
	t.Parallel()

	require.Nil(t, newPortPool(0, 0))
	require.Nil(t, newPortPool(20001, 20000))

	p := newPortPool(20001, 20005)
	require.Equal(t, 2, p.size())

	ok := func(int) error { return nil }
	a, err := p.acquire(ok)
	require.NoError(t, err)
	require.Equal(t, 20002, a)
	b, err := p.acquire(ok)
	require.NoError(t, err)
	require.Equal(t, 20004, b)

	_, err = p.acquire(ok)
	require.Error(t, err)

	p.release(a)
	require.Equal(t, 1, p.allocated())
	c, err := p.acquire(ok)
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestPortPoolSkipsPortsThatFailToBind(t *testing.T) {
	t.Parallel()

	p := newPortPool(30000, 30005)
	c, err := p.acquire(func(port int) error {
		if port == 30000 {
			return errors.New("address in use")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 30002, c)
	require.Equal(t, 1, p.allocated())

	var nilPool *portPool
	nilPool.release(30002)
}

func TestConfigDefaultsStripSchemeFromRegistrar(t *testing.T) {
	t.Parallel()

	cfg := Config{Registrar: " sip:pbx.example.com:5080 "}
	cfg.setDefaults()
	require.Equal(t, "pbx.example.com:5080", cfg.Registrar)
	require.Equal(t, "pbx.example.com", cfg.Domain)
}
