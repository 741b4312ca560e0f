package store

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/shiba4life/datafold/internal/folderr"
)

// RecordVersion tags every persisted record. A process refuses to decode
// a record written by a newer layout instead of misparsing it.
const RecordVersion = 1

// envelope wraps a record payload with its layout version.
type envelope struct {
	Version int             `cbor:"v"`
	Payload cbor.RawMessage `cbor:"p"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Core-deterministic encoding keeps roundtrips byte-identical, which
	// the atom immutability checks rely on.
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	// Untyped record content decodes as map[string]any with signed
	// integers so values stay comparable with the JSON documents they
	// came from.
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}

	encMode, decMode = em, dm
}

// Encode serializes v into a version-tagged CBOR envelope.
func Encode(v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, folderr.Substrate("encoding record", err)
	}

	data, err := encMode.Marshal(envelope{Version: RecordVersion, Payload: payload})
	if err != nil {
		return nil, folderr.Substrate("encoding record envelope", err)
	}

	return data, nil
}

// Decode deserializes a version-tagged record into v. Records written by
// a newer layout version are rejected cleanly.
func Decode(data []byte, v any) error {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return folderr.Substrate("decoding record envelope", err)
	}

	if env.Version > RecordVersion {
		return folderr.Conflict("record version %d is newer than supported version %d", env.Version, RecordVersion)
	}

	if err := decMode.Unmarshal(env.Payload, v); err != nil {
		return folderr.Substrate("decoding record", err)
	}

	return nil
}
