package tcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    transport.Message
		wantErr bool
		errMsg  string
	}{
		{
			name: "normal text frame",
			input: []byte{
				0x00, 0x00, 0x00, 0x0A, // frame length
				0x52,                   // magic code
				0x01,                   // message type
				0x05, 0x06, 0x07, 0x08, // payload data
				0x53, 0x8D, 0x4D, 0x69, // payload checksum
			},
			want: transport.NewMessage(transport.TextMessage, []byte{0x05, 0x06, 0x07, 0x08}),
		},
		{
			name: "binary frame without payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x06, // frame length
				0x52,                   // magic code
				0x02,                   // message type
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			want: transport.NewMessage(transport.BinaryMessage, []byte{}),
		},
		{
			name: "not long enough header",
			input: []byte{
				0x00, 0x00, 0x00, 0x0A, // frame length
				0x52, // magic code
			},
			wantErr: true,
			errMsg:  "read fixed header",
		},
		{
			name: "too small frame",
			input: []byte{
				0x00, 0x00, 0x00, 0x05, // frame length
				0x52, // magic code
				0x01, // message type
			},
			wantErr: true,
			errMsg:  "frame too small",
		},
		{
			name: "too large frame",
			input: []byte{
				0x01, 0x00, 0x00, 0x01, // frame length
				0x52, // magic code
				0x01, // message type
			},
			wantErr: true,
			errMsg:  "frame too large",
		},
		{
			name: "mismatched magic code",
			input: []byte{
				0x00, 0x00, 0x00, 0x06, // frame length
				0x17,                   // magic code
				0x01,                   // message type
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "magic code mismatch",
		},
		{
			name: "unknown message type",
			input: []byte{
				0x00, 0x00, 0x00, 0x06, // frame length
				0x52,                   // magic code
				0x09,                   // message type
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "unknown message type",
		},
		{
			name: "not long enough payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x0A, // frame length
				0x52,             // magic code
				0x01,             // message type
				0x05, 0x06, 0x07, // payload data
			},
			wantErr: true,
			errMsg:  "read payload",
		},
		{
			name: "no checksum",
			input: []byte{
				0x00, 0x00, 0x00, 0x0A, // frame length
				0x52,                   // magic code
				0x01,                   // message type
				0x05, 0x06, 0x07, 0x08, // payload data
			},
			wantErr: true,
			errMsg:  "read payload checksum",
		},
		{
			name: "mismatched checksum",
			input: []byte{
				0x00, 0x00, 0x00, 0x0A, // frame length
				0x52,                   // magic code
				0x01,                   // message type
				0x05, 0x06, 0x07, 0x08, // payload data
				0x53, 0x8D, 0x4D, 0x6A, // payload checksum
			},
			wantErr: true,
			errMsg:  "payload checksum mismatch",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			fr := NewFramer(nil, bytes.NewReader(tt.input), zap.NewNop())
			got, err := fr.ReadFrame()
			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			defer got.Release()
			re.Equal(tt.want.Type, got.Type)
			re.Equal(tt.want.Payload, got.Payload)
		})
	}
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	fr := NewFramer(&buf, &buf, zap.NewNop())

	re.NoError(fr.WriteFrame(transport.NewMessage(transport.TextMessage, []byte{0x05, 0x06, 0x07, 0x08})))
	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x0A,
		0x52,
		0x01,
		0x05, 0x06, 0x07, 0x08,
		0x53, 0x8D, 0x4D, 0x69,
	}, buf.Bytes())

	// the write buffer is reused between frames
	buf.Reset()
	re.NoError(fr.WriteFrame(transport.NewMessage(transport.BinaryMessage, nil)))
	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x06,
		0x52,
		0x02,
		0x00, 0x00, 0x00, 0x00,
	}, buf.Bytes())
}

func TestFramerRoundTrip(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	fr := NewFramer(&buf, &buf, zap.NewNop())
	inputs := []transport.Message{
		transport.NewMessage(transport.TextMessage, []byte("{\"to\":\"main.index\"}\n")),
		transport.NewMessage(transport.BinaryMessage, bytes.Repeat([]byte{0xAB}, 4096)),
		transport.NewMessage(transport.TextMessage, []byte("{\"type\":\"finish\"}\n")),
	}
	for _, m := range inputs {
		re.NoError(fr.WriteFrame(m))
	}
	for _, want := range inputs {
		got, err := fr.ReadFrame()
		re.NoError(err)
		re.Equal(want.Type, got.Type)
		re.Equal(want.Payload, got.Payload)
		got.Release()
	}
}
