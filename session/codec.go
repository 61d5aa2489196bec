package session

import "github.com/fxamacker/cbor/v2"

// Frames cross process boundaries through the relay transport, so they get
// the same deterministic CBOR profile as everything else on the wire.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	decMode = dm
}

type wireFrame struct {
	Session  string `cbor:"1,keyasint"`
	Kind     uint8  `cbor:"2,keyasint"`
	Protocol string `cbor:"3,keyasint,omitempty"`
	Payload  []byte `cbor:"4,keyasint,omitempty"`
	Reason   string `cbor:"5,keyasint,omitempty"`
}

// EncodeFrame serializes a frame for the relay transport.
func EncodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(&wireFrame{
		Session:  string(f.Session),
		Kind:     uint8(f.Kind),
		Protocol: f.Protocol,
		Payload:  f.Payload,
		Reason:   f.Reason,
	})
}

// DecodeFrame parses a frame received from the relay transport.
func DecodeFrame(b []byte) (Frame, error) {
	var w wireFrame
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Frame{}, err
	}
	return Frame{
		Session:  ID(w.Session),
		Kind:     Kind(w.Kind),
		Protocol: w.Protocol,
		Payload:  w.Payload,
		Reason:   w.Reason,
	}, nil
}
