package conference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJoinString(t *testing.T) {
	name, opts, pin, err := ParseJoinString("100,aM(jazz)s,4242")
	require.NoError(t, err)
	assert.Equal(t, "100", name)
	assert.Equal(t, "4242", pin)
	assert.True(t, opts.Admin)
	assert.True(t, opts.MOHWhenAlone)
	assert.Equal(t, "jazz", opts.MOHClass)
	assert.True(t, opts.Menu)
}

func TestParseJoinStringNameOnly(t *testing.T) {
	name, opts, pin, err := ParseJoinString("boardroom")
	require.NoError(t, err)
	assert.Equal(t, "boardroom", name)
	assert.Equal(t, Options{}, opts)
	assert.Empty(t, pin)
}

func TestParseJoinStringEmptyName(t *testing.T) {
	_, _, _, err := ParseJoinString(",a")
	require.Error(t, err)
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   string
		want    Options
		wantErr bool
	}{
		{
			name:  "admin marked",
			flags: "aA",
			want:  Options{Admin: true, Marked: true},
		},
		{
			name:  "dynamic with pin prompt",
			flags: "D",
			want:  Options{Dynamic: true, DynamicPin: true},
		},
		{
			name:  "quiet muted menu",
			flags: "qms",
			want:  Options{Quiet: true, StartMuted: true, Menu: true},
		},
		{
			name:  "exit keys default pound",
			flags: "p",
			want:  Options{ExitKeys: "#"},
		},
		{
			name:  "exit keys explicit",
			flags: "p(123)X",
			want:  Options{ExitKeys: "123", ExitToDialplan: true},
		},
		{
			name:  "moh class equals form consumes rest",
			flags: "qM=default",
			want:  Options{Quiet: true, MOHWhenAlone: true, MOHClass: "default"},
		},
		{
			name:  "announce with review",
			flags: "i",
			want:  Options{AnnounceJoinLeave: true, AnnounceReview: true},
		},
		{
			name:  "announce without review",
			flags: "I",
			want:  Options{AnnounceJoinLeave: true},
		},
		{
			name:  "kick after seconds",
			flags: "S:30",
			want:  Options{KickAfter: 30 * time.Second},
		},
		{
			name:  "wait marked",
			flags: "AW:45",
			want:  Options{Marked: true, WaitMarked: 45 * time.Second},
		},
		{
			name:  "time limit schedule",
			flags: "L:60000:15000:5000",
			want: Options{
				TimeLimit:     time.Minute,
				WarnRemaining: 15 * time.Second,
				WarnRepeat:    5 * time.Second,
			},
		},
		{
			name:  "time limit only",
			flags: "L:60000",
			want:  Options{TimeLimit: time.Minute},
		},
		{
			name:    "listen and talk incompatible",
			flags:   "lt",
			wantErr: true,
		},
		{
			name:    "unknown flag",
			flags:   "Z",
			wantErr: true,
		},
		{
			name:    "numeric flag without argument",
			flags:   "S",
			wantErr: true,
		},
		{
			name:    "numeric flag with empty number",
			flags:   "L:",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlags(tt.flags)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsStringRoundTrip(t *testing.T) {
	flags := []string{
		"aA",
		"D",
		"qms",
		"p",
		"p(123)X",
		"M(jazz)r",
		"i",
		"I",
		"adxCT1oF",
		"AW:45S:30",
		"lL:60000:15000:5000",
	}
	for _, f := range flags {
		t.Run(f, func(t *testing.T) {
			opts, err := ParseFlags(f)
			require.NoError(t, err)
			back, err := ParseFlags(opts.String())
			require.NoError(t, err)
			assert.Equal(t, opts, back)
		})
	}
}

func TestParseFlagsCombined(t *testing.T) {
	got, err := ParseFlags("adxCT1oF")
	require.NoError(t, err)
	assert.True(t, got.Admin)
	assert.True(t, got.Dynamic)
	assert.True(t, got.CloseOnLastMarked)
	assert.True(t, got.ContinueOnKick)
	assert.True(t, got.TalkerDetect)
	assert.True(t, got.SuppressFirstPerson)
	assert.True(t, got.OptimizeTalker)
	assert.True(t, got.PassDTMF)
}
