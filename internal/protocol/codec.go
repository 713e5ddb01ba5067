package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode when a frame isn't a JSON array,
// or its first element isn't a numeric-string opcode.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Decode parses a single text frame into its opcode and positional
// arguments. Callers decode individual arguments from the returned
// json.RawMessage slice with whatever shape that opcode expects - the
// dialect has no fixed argument schema across opcodes.
func Decode(frame []byte) (opcode string, args []json.RawMessage, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(raw) == 0 {
		return "", nil, ErrMalformedFrame
	}

	var op string
	if err := json.Unmarshal(raw[0], &op); err != nil {
		return "", nil, fmt.Errorf("%w: opcode not a string: %v", ErrMalformedFrame, err)
	}
	if op == "" {
		return "", nil, fmt.Errorf("%w: empty opcode", ErrMalformedFrame)
	}
	for _, c := range op {
		if c < '0' || c > '9' {
			return "", nil, fmt.Errorf("%w: opcode %q not numeric", ErrMalformedFrame, op)
		}
	}

	return op, raw[1:], nil
}

// Encode builds a text frame for the given opcode and arguments, matching
// the client's legacy array framing. Opcodes are always transmitted as
// numeric strings, never raw numbers.
func Encode(opcode string, args ...any) ([]byte, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, opcode)
	payload = append(payload, args...)
	return json.Marshal(payload)
}

// Arg unmarshals the i-th positional argument into dst. Returns
// ErrMalformedFrame (wrapped) if the index is out of range or the argument
// doesn't match dst's shape; callers drop the packet silently on error per
// the protocol-violation handling in the dispatcher.
func Arg(args []json.RawMessage, i int, dst any) error {
	if i < 0 || i >= len(args) {
		return fmt.Errorf("%w: missing argument %d", ErrMalformedFrame, i)
	}
	if err := json.Unmarshal(args[i], dst); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrMalformedFrame, i, err)
	}
	return nil
}
