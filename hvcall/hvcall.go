package hvcall

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

//Trap frame layout, as captured by the vmexit handler:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// |                             Code (uint32)                             | 32
// |-----------------------------------------------------------------------|
// |                           Reserved (uint32)                           | 64
// |-----------------------------------------------------------------------|
// |                          Argument 0 (uint64)                          |
// |-----------------------------------------------------------------------|
// |                               ... x6                                  |

type m = map[string]any

// NumArgs is fixed by the hardware hypercall calling convention: the guest
// passes exactly six register-sized words, whatever the opcode.
const (
	NumArgs = 6
	Len     = 8 + NumArgs*8
)

type Code uint32

const (
	// Probe is reserved for feature negotiation and is recognized but not
	// serviced yet.
	Probe Code = 0x001

	PublishChannel     Code = 0x101
	UnpublishChannel   Code = 0x102
	SubscribeChannel   Code = 0x103
	UnsubscribeChannel Code = 0x104
	SendIPI            Code = 0x105

	EstablishConsoleConnection   Code = 0x201
	UnEstablishConsoleConnection Code = 0x202
)

var codeMap = map[Code]string{
	Probe:                        "probe",
	PublishChannel:               "publishChannel",
	UnpublishChannel:             "unpublishChannel",
	SubscribeChannel:             "subscribeChannel",
	UnsubscribeChannel:           "unsubscribeChannel",
	SendIPI:                      "sendIPI",
	EstablishConsoleConnection:   "establishConsoleConnection",
	UnEstablishConsoleConnection: "unEstablishConsoleConnection",
}

var ErrFrameTooShort = errors.New("hypercall frame is too short")

// Request is a decoded trap frame: one opcode plus the six argument words.
type Request struct {
	Code Code
	Args [NumArgs]uint64
}

// Valid reports whether the code is a known hypercall number. Codes that are
// known but not serviced (Probe) are still valid; the dispatcher answers
// those with Unsupported rather than InvalidInput.
func (c Code) Valid() bool {
	_, ok := codeMap[c]
	return ok
}

// Name will transform a hypercall code into a human string
func (c Code) Name() string {
	if n, ok := codeMap[c]; ok {
		return n
	}

	return "unknown"
}

// Encode uses the provided byte array to encode the request into.
// Byte array must be capped higher than Len or this will panic
func Encode(b []byte, c Code, args [NumArgs]uint64) []byte {
	b = b[:Len]
	binary.BigEndian.PutUint32(b[0:4], uint32(c))
	binary.BigEndian.PutUint32(b[4:8], 0)
	for i, a := range args {
		binary.BigEndian.PutUint64(b[8+i*8:16+i*8], a)
	}
	return b
}

// Encode turns a request into bytes
func (r *Request) Encode(b []byte) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil request")
	}

	return Encode(b, r.Code, r.Args), nil
}

// Parse is a helper function to parse given bytes into a Request struct
func (r *Request) Parse(b []byte) error {
	if len(b) < Len {
		return ErrFrameTooShort
	}
	r.Code = Code(binary.BigEndian.Uint32(b[0:4]))
	for i := range r.Args {
		r.Args[i] = binary.BigEndian.Uint64(b[8+i*8 : 16+i*8])
	}
	return nil
}

// String creates a readable string representation of a request
func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("code=%s args=%#x", r.Code.Name(), r.Args)
}

// MarshalJSON creates a json string representation of a request
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"code": r.Code.Name(),
		"args": r.Args,
	})
}
