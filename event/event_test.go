package event

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDecode(t *testing.T) {
	for _, tt := range []struct {
		name    string
		in      string
		want    In
		wantErr bool
	}{
		{
			name: "audio base64",
			in:   `{"type":"audio","audio":"AQID"}`,
			want: In{Type: TypeAudio, Audio: []byte{1, 2, 3}},
		},
		{
			name: "transcript with settings",
			in:   `{"type":"transcript","text":"hi","speaker":"Rep","isFinal":true,"settings":{"weights":{"sentiment":2}}}`,
			want: In{Type: TypeTranscript, Text: "hi", Speaker: "Rep", IsFinal: true,
				Settings: &Settings{Weights: map[string]float64{"sentiment": 2}}},
		},
		{name: "malformed", in: `{"type":`, wantErr: true},
		{name: "missing type", in: `{"text":"x"}`, wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundShape(t *testing.T) {
	b, err := json.Marshal(TranscriptChunk("so", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"transcript_chunk","text":"so","isFinal":false}`, string(b))

	b, err = json.Marshal(Partial(3, "sentiment", map[string]int{"score": 50}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"analysis_partial","category":"sentiment","data":{"score":50},"runId":3}`, string(b))

	b, err = json.Marshal(Error(CodeAuth, "bad token"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"auth_failed","message":"bad token"}`, string(b))
}

func TestOutboxClose(t *testing.T) {
	o := NewOutbox(1)
	require.True(t, o.Send(Session("s1")))

	var wg sync.WaitGroup
	wg.Add(1)
	blocked := make(chan bool)
	go func() {
		defer wg.Done()
		blocked <- o.Send(Session("s2"))
	}()

	o.Close()
	assert.False(t, <-blocked)
	wg.Wait()

	assert.False(t, o.Send(Session("s3")))
	assert.EqualValues(t, 1, o.Sent())
	assert.EqualValues(t, 2, o.Dropped())
	o.Close()
	assert.Equal(t, "s1", (<-o.C()).SessionID)
}

func TestRunFilter(t *testing.T) {
	var f RunFilter
	seq := []Out{
		Partial(1, "sentiment", nil),
		Partial(2, "sentiment", nil),
		Scripts(1, nil), // late dependent result from a superseded run
		TranscriptChunk("hi", true),
		Final(2, nil),
	}
	var kept []Type
	for _, ev := range seq {
		if f.Accept(ev) {
			kept = append(kept, ev.Type)
		}
	}
	assert.Equal(t, []Type{TypePartial, TypePartial, TypeTranscriptChunk, TypeFinal}, kept)
	assert.EqualValues(t, 2, f.Newest())
}
