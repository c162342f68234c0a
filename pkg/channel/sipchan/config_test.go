package sipchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Domain: "pbx.example.org"}
	cfg.applyDefaults()

	assert.Equal(t, "127.0.0.1", cfg.BindHost)
	assert.Equal(t, DefaultSIPPort, cfg.SIPPort)
	assert.Equal(t, DefaultRTPPortMin, cfg.RTPPortMin)
	assert.Equal(t, DefaultRTPPortMax, cfg.RTPPortMax)
	assert.Equal(t, frame.CodecUlaw, cfg.Codec)
	assert.Equal(t, frame.TickInterval, cfg.Ptime)
	assert.Equal(t, uint8(frame.DTMFPayloadTypeRFC), cfg.DTMFPayloadType)
	assert.NotNil(t, cfg.Log)

	require.NoError(t, cfg.validate())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"пустой диапазон портов", func(c *Config) { c.RTPPortMin, c.RTPPortMax = 20000, 10000 }},
		{"диапазон меньше пары", func(c *Config) { c.RTPPortMin, c.RTPPortMax = 10000, 10001 }},
		{"кодек без payload type", func(c *Config) { c.Codec = frame.CodecOpus }},
		{"DSCP вне диапазона", func(c *Config) { c.DSCP = 64 }},
		{"без домена", func(c *Config) { c.Domain = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Domain: "pbx.example.org"}
			cfg.applyDefaults()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.validate(), &Error{Code: ErrorCodeBadConfig})
		})
	}
}

func TestTargetURI(t *testing.T) {
	t.Parallel()

	cfg := Config{Domain: "pbx.example.org:5080"}
	cfg.applyDefaults()

	uri, err := cfg.targetURI("SIP/1001")
	require.NoError(t, err)
	assert.Equal(t, "sip:1001@pbx.example.org:5080", uri)

	uri, err = cfg.targetURI("sip:ops@other.example.org")
	require.NoError(t, err)
	assert.Equal(t, "sip:ops@other.example.org", uri)

	_, err = cfg.targetURI("DAHDI/line1")
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeDial})

	_, err = cfg.targetURI("SIP/")
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeDial})
}
