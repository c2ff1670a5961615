package kind

const (
	unknown uint8 = iota
	data
	streamStart
	streamChunk
	streamFinish
)

// wire values of the "type" field
const (
	_tagData   = "data"
	_tagStream = "stream"
	_tagFinish = "finish"
)

var (
	_data         = Kind{data}
	_streamStart  = Kind{streamStart}
	_streamChunk  = Kind{streamChunk}
	_streamFinish = Kind{streamFinish}
	_unknown      = Kind{unknown}
)

// Kind is enumeration of Envelope.Kind
type Kind struct {
	code uint8
}

// NewKind new a kind with code
func NewKind(code uint8) Kind {
	switch code {
	case data:
		return _data
	case streamStart:
		return _streamStart
	case streamChunk:
		return _streamChunk
	case streamFinish:
		return _streamFinish
	default:
		return _unknown
	}
}

// FromTag returns the kind carried by the "type" field of a text frame.
// An absent type means a plain data frame.
func FromTag(tag string) Kind {
	switch tag {
	case "", _tagData:
		return _data
	case _tagStream:
		return _streamStart
	case _tagFinish:
		return _streamFinish
	default:
		return _unknown
	}
}

// Tag returns the "type" field value for k. Data frames omit it.
func (k Kind) Tag() string {
	switch k.code {
	case streamStart:
		return _tagStream
	case streamFinish:
		return _tagFinish
	default:
		return ""
	}
}

// String implements fmt.Stringer
func (k Kind) String() string {
	switch k.code {
	case data:
		return "Data"
	case streamStart:
		return "StreamStart"
	case streamChunk:
		return "StreamChunk"
	case streamFinish:
		return "StreamFinish"
	default:
		return "Unknown"
	}
}

// Code returns the kind code
func (k Kind) Code() uint8 {
	return k.code
}

// IsStream returns whether k belongs to the chunked streaming protocol
func (k Kind) IsStream() bool {
	switch k.code {
	case streamStart, streamChunk, streamFinish:
		return true
	default:
		return false
	}
}

// Data is a plain call: one route, one payload
func Data() Kind {
	return _data
}

// StreamStart announces a streamed payload and carries its metadata
func StreamStart() Kind {
	return _streamStart
}

// StreamChunk is a raw slice of the current streamed payload
func StreamChunk() Kind {
	return _streamChunk
}

// StreamFinish ends the current streamed payload
func StreamFinish() Kind {
	return _streamFinish
}

// Unknown is returned for unrecognized codes and tags
func Unknown() Kind {
	return _unknown
}
