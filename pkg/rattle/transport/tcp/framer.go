package tcp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

const (
	_fixedHeaderLen = 6
	_minFrameLen    = _fixedHeaderLen - 4 + 4 // fixed header - frame length + checksum
	_maxFrameLen    = 16 * 1024 * 1024

	_magicCode uint8 = 0x52
)

// Framer reads and writes transport messages on a byte stream.
//
//	+-----------------------------------------------------------------------+
//	|                           Frame Length (32)                           |
//	+-----------------+-----------------+-----------------------------------+
//	|  Magic Code (8) |   Msg Type (8)  |           Payload (0...)        ...
//	+-----------------+-----------------+-----------------------------------+
//	|                         Payload Checksum (32)                         |
//	+-----------------------------------------------------------------------+
//
// Frame Length counts every byte after itself.
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [_fixedHeaderLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
}

// ReadFrame reads a single frame. The payload of the returned message is pooled;
// the caller must Release it.
func (fr *Framer) ReadFrame() (transport.Message, error) {
	logger := fr.lg

	buf := fr.fixedBuf[:_fixedHeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		return transport.Message{}, errors.Wrap(err, "read fixed header")
	}
	headerBuf := bytes.NewBuffer(buf)

	frameLen := binary.BigEndian.Uint32(headerBuf.Next(4))
	if frameLen < _minFrameLen {
		logger.Error("illegal frame length, fewer than minimum", zap.Uint32("frame-length", frameLen), zap.Uint32("min-length", _minFrameLen))
		return transport.Message{}, errors.New("frame too small")
	}
	if frameLen > _maxFrameLen {
		logger.Error("illegal frame length, greater than maximum", zap.Uint32("frame-length", frameLen), zap.Uint32("max-length", _maxFrameLen))
		return transport.Message{}, errors.New("frame too large")
	}

	magicCode := headerBuf.Next(1)[0]
	if magicCode != _magicCode {
		logger.Error("illegal magic code", zap.Uint8("expected", _magicCode), zap.Uint8("got", magicCode))
		return transport.Message{}, errors.New("magic code mismatch")
	}

	typ := transport.MessageType(headerBuf.Next(1)[0])
	if typ != transport.TextMessage && typ != transport.BinaryMessage {
		logger.Error("illegal message type", zap.Uint8("type", uint8(typ)))
		return transport.Message{}, errors.New("unknown message type")
	}
	payloadLen := int(frameLen) + 4 - _fixedHeaderLen - 4 // add frameLength width, sub payloadChecksum width

	msg := transport.NewPooledMessage(typ, payloadLen)
	_, err = io.ReadFull(fr.r, msg.Payload)
	if err != nil {
		msg.Release()
		return transport.Message{}, errors.Wrap(err, "read payload")
	}

	var checksum uint32
	err = binary.Read(fr.r, binary.BigEndian, &checksum)
	if err != nil {
		msg.Release()
		return transport.Message{}, errors.Wrap(err, "read payload checksum")
	}
	if payloadLen > 0 {
		if ckm := crc32.ChecksumIEEE(msg.Payload); ckm != checksum {
			logger.Error("payload checksum mismatch", zap.Uint32("expected", ckm), zap.Uint32("got", checksum))
			msg.Release()
			return transport.Message{}, errors.New("payload checksum mismatch")
		}
	}
	return msg, nil
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility not to call WriteFrame concurrently.
func (fr *Framer) WriteFrame(m transport.Message) error {
	logger := fr.lg

	fr.wbuf = fr.wbuf[:0]
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0) // filled in below
	fr.wbuf = append(fr.wbuf, _magicCode, uint8(m.Type))
	fr.wbuf = append(fr.wbuf, m.Payload...)
	if len(m.Payload) > 0 {
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, crc32.ChecksumIEEE(m.Payload))
	} else {
		// dummy checksum
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0)
	}

	length := len(fr.wbuf) - 4 // sub frameLen width
	if length > _maxFrameLen {
		logger.Error("frame too large, greater than maximum", zap.Int("frame-length", length), zap.Uint32("max-length", _maxFrameLen))
		return errors.New("frame too large")
	}
	_ = binary.BigEndian.AppendUint32(fr.wbuf[:0], uint32(length))

	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}
