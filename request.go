package canlink

import "fmt"

// Request describes one diagnostic exchange. The payload always fits in a
// single frame.
type Request struct {
	RequestID  uint32
	ResponseID uint32
	Payload    []byte
}

func (r Request) String() string {
	return fmt.Sprintf("0x%03X>0x%03X [%s]", r.RequestID, r.ResponseID, hexView(r.Payload))
}

func (r Request) validate() error {
	if len(r.Payload) > MaxFrameData {
		return fmt.Errorf("%w: %d", ErrPayloadTooLong, len(r.Payload))
	}
	if r.RequestID > MaxExtendedID || r.ResponseID > MaxExtendedID {
		return fmt.Errorf("identifier out of range: %s", r)
	}
	return nil
}

// Decoder consumes reassembled responses and transport errors. Both methods
// may be called from a driver's receive context and must not block.
type Decoder interface {
	OnResponse(rspID uint32, payload []byte)
	OnError(kind ErrorKind)
}

// DecoderFuncs adapts plain functions to a Decoder.
type DecoderFuncs struct {
	Response func(rspID uint32, payload []byte)
	Error    func(kind ErrorKind)
}

func (d DecoderFuncs) OnResponse(rspID uint32, payload []byte) {
	if d.Response != nil {
		d.Response(rspID, payload)
	}
}

func (d DecoderFuncs) OnError(kind ErrorKind) {
	if d.Error != nil {
		d.Error(kind)
	}
}
