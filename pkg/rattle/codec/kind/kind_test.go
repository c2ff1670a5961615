package kind

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewKind(t *testing.T) {
	type fields struct {
		code uint8
	}
	type wants struct {
		s        string
		code     uint8
		tag      string
		isStream bool
	}
	tests := []struct {
		name   string
		fields fields
		wants  wants
	}{
		{
			name:   "Data",
			fields: fields{code: data},
			wants:  wants{s: "Data", code: data, tag: ""},
		},
		{
			name:   "StreamStart",
			fields: fields{code: streamStart},
			wants:  wants{s: "StreamStart", code: streamStart, tag: "stream", isStream: true},
		},
		{
			name:   "StreamChunk",
			fields: fields{code: streamChunk},
			wants:  wants{s: "StreamChunk", code: streamChunk, tag: "", isStream: true},
		},
		{
			name:   "StreamFinish",
			fields: fields{code: streamFinish},
			wants:  wants{s: "StreamFinish", code: streamFinish, tag: "finish", isStream: true},
		},
		{
			name:   "Unknown",
			fields: fields{code: unknown},
			wants:  wants{s: "Unknown", code: unknown},
		},
		{
			name:   "Unknown code",
			fields: fields{code: 42},
			wants:  wants{s: "Unknown", code: unknown},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			k := NewKind(tt.fields.code)
			re.Equal(tt.wants.s, k.String())
			re.Equal(tt.wants.code, k.Code())
			re.Equal(tt.wants.tag, k.Tag())
			re.Equal(tt.wants.isStream, k.IsStream())
		})
	}
}

func TestFromTag(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal(Data(), FromTag(""))
	re.Equal(Data(), FromTag("data"))
	re.Equal(StreamStart(), FromTag("stream"))
	re.Equal(StreamFinish(), FromTag("finish"))
	re.Equal(Unknown(), FromTag("chunk"))

	for _, k := range []Kind{Data(), StreamStart(), StreamFinish()} {
		re.Equal(k, FromTag(k.Tag()))
	}
}
