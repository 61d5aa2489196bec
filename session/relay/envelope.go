package relay

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"xdao.co/txflow/session"
)

// envelope wraps a frame with the sender identity for demultiplexing on the
// receiving node.
type envelope struct {
	From  string `cbor:"1,keyasint"`
	Frame []byte `cbor:"2,keyasint"`
}

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

func encodeEnvelope(from session.Identity, f session.Frame) ([]byte, error) {
	fb, err := session.EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(&envelope{From: string(from), Frame: fb})
}

func decodeEnvelope(b []byte) (session.Identity, session.Frame, error) {
	var env envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return "", session.Frame{}, err
	}
	if env.From == "" {
		return "", session.Frame{}, errors.New("relay: envelope missing sender identity")
	}
	f, err := session.DecodeFrame(env.Frame)
	if err != nil {
		return "", session.Frame{}, err
	}
	return session.Identity(env.From), f, nil
}
