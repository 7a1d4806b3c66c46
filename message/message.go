// Package message defines the units exchanged between the host and the peer.
//
// A Message is what travels inside one frame: the call id the host picked and
// the bytes that follow it. An Invocation is what a caller builds before the
// call has an id: the procedure's payload plus the decoder for its result.
package message

// Message is one frame body split into its leading id byte and the rest.
//
//   - On request:  ID is the call id, Payload is [rpcID, args...].
//   - On response: ID echoes the call id, Payload holds the encoded results.
type Message struct {
	ID      byte
	Payload []byte
}

// Body returns the frame body: the id byte followed by the payload.
func (m Message) Body() []byte {
	body := make([]byte, 0, 1+len(m.Payload))
	body = append(body, m.ID)
	return append(body, m.Payload...)
}

// FromBody splits a frame body. ok is false for an empty body.
func FromBody(body []byte) (Message, bool) {
	if len(body) == 0 {
		return Message{}, false
	}
	payload := make([]byte, len(body)-1)
	copy(payload, body[1:])
	return Message{ID: body[0], Payload: payload}, true
}

// ResultDecoder turns a response payload back into result values.
type ResultDecoder interface {
	Decode(payload []byte) ([]any, error)
}

// Invocation is one call ready to be sent.
type Invocation struct {
	RPC     byte          // Target procedure id, also the first payload byte
	Payload []byte        // [RPC, serialized args...]
	Decoder ResultDecoder // Applied to the response payload
}

// Request is one decoded invocation as the peer sees it.
type Request struct {
	CallID byte  // Echoed in the response
	RPC    byte  // Procedure id
	Args   []any // Decoded with the procedure's input types
}
