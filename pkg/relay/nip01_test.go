package relay

import (
	"encoding/json"
	"testing"

	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelayMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{
			name: "event",
			in:   `["EVENT","sub1",{"id":"abc","kind":1}]`,
			want: Message{Type: TypeEvent, Subscription: "sub1", Event: json.RawMessage(`{"id":"abc","kind":1}`)},
		},
		{
			name: "eose",
			in:   `["EOSE","sub1"]`,
			want: Message{Type: TypeEOSE, Subscription: "sub1"},
		},
		{
			name: "notice",
			in:   `["NOTICE","slow down"]`,
			want: Message{Type: TypeNotice, Text: "slow down"},
		},
		{
			name: "ok rejected",
			in:   `["OK","abc",false,"blocked: spam"]`,
			want: Message{Type: TypeOK, EventID: "abc", Text: "blocked: spam"},
		},
		{
			name: "ok accepted without text",
			in:   `["OK","abc",true]`,
			want: Message{Type: TypeOK, EventID: "abc", Accepted: true},
		},
		{
			name: "closed",
			in:   `["CLOSED","sub1","auth-required: sign in"]`,
			want: Message{Type: TypeClosed, Subscription: "sub1", Text: "auth-required: sign in"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRelayMessage([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRelayMessageRejects(t *testing.T) {
	for _, in := range []string{
		``,
		`{}`,
		`[]`,
		`[1]`,
		`["EVENT","sub1"]`,
		`["EVENT","sub1","not an object"]`,
		`["EOSE"]`,
		`["NOTICE",42]`,
		`["OK","abc"]`,
		`["OK","abc","yes"]`,
	} {
		_, err := ParseRelayMessage([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", in)
	}
}

func TestParseRelayMessageUnknownType(t *testing.T) {
	m, err := ParseRelayMessage([]byte(`["AUTH","challenge"]`))
	require.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, "AUTH", m.Type)
}

func TestReqFrame(t *testing.T) {
	frame, err := ReqFrame("s", json.RawMessage(`[{"kinds":[1]},{"authors":["p"]}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["REQ","s",{"kinds":[1]},{"authors":["p"]}]`, string(frame))

	_, err = ReqFrame("s", json.RawMessage(`{"kinds":[1]}`))
	require.Error(t, err)
}

func TestCloseAndEventFrames(t *testing.T) {
	assert.JSONEq(t, `["CLOSE","s"]`, string(CloseFrame("s")))

	frame, err := EventFrame(json.RawMessage(`{"id":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `["EVENT",{"id":"x"}]`, string(frame))
}

func TestFiltersFromSettings(t *testing.T) {
	s := settings.Default()
	s.Kinds = []int{1, 6}
	s.Backfill = 20

	assert.JSONEq(t, `[{"kinds":[1,6],"limit":20}]`, string(Filters(s)))
	assert.JSONEq(t, `[]`, string(FiltersJSON()))
}
