package sipchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/frame"
)

func TestBuildOfferDescribesAudio(t *testing.T) {
	t.Parallel()

	offer := buildOffer("192.0.2.10", 10002, frame.CodecUlaw,
		20*time.Millisecond, frame.DTMFPayloadTypeRFC)

	require.Len(t, offer.MediaDescriptions, 1)
	m := offer.MediaDescriptions[0]
	assert.Equal(t, "audio", m.MediaName.Media)
	assert.Equal(t, 10002, m.MediaName.Port.Value)
	assert.Equal(t, []string{"0", "101"}, m.MediaName.Formats)

	require.NotNil(t, offer.ConnectionInformation)
	assert.Equal(t, "192.0.2.10", offer.ConnectionInformation.Address.Address)

	var attrs []string
	for _, a := range m.Attributes {
		attrs = append(attrs, a.String())
	}
	assert.Contains(t, attrs, "sendrecv")
	assert.Contains(t, attrs, "rtpmap:0 PCMU/8000")
	assert.Contains(t, attrs, "rtpmap:101 telephone-event/8000")
	assert.Contains(t, attrs, "ptime:20")
}

func TestParseAnswerRoundTrip(t *testing.T) {
	t.Parallel()

	// Offer структурно эквивалентен answer: тот же разборщик.
	offer := buildOffer("198.51.100.7", 14000, frame.CodecAlaw,
		20*time.Millisecond, frame.DTMFPayloadTypeRFC)
	body, err := offer.Marshal()
	require.NoError(t, err)

	am, err := parseAnswer(body)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", am.Host)
	assert.Equal(t, 14000, am.Port)
	assert.Equal(t, frame.CodecAlaw, am.Codec)
}

func TestParseAnswerRejectsClosedStream(t *testing.T) {
	t.Parallel()

	offer := buildOffer("198.51.100.7", 14000, frame.CodecUlaw,
		20*time.Millisecond, frame.DTMFPayloadTypeRFC)
	offer.MediaDescriptions[0].MediaName.Port.Value = 0
	body, err := offer.Marshal()
	require.NoError(t, err)

	_, err = parseAnswer(body)
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeSDP})
}

func TestParseAnswerRejectsUnknownFormats(t *testing.T) {
	t.Parallel()

	offer := buildOffer("198.51.100.7", 14000, frame.CodecUlaw,
		20*time.Millisecond, frame.DTMFPayloadTypeRFC)
	// Только динамические payload types, которых мост не знает.
	offer.MediaDescriptions[0].MediaName.Formats = []string{"96", "97"}
	body, err := offer.Marshal()
	require.NoError(t, err)

	_, err = parseAnswer(body)
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeSDP})
}

func TestParseAnswerGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseAnswer([]byte("не sdp"))
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeSDP})
}
