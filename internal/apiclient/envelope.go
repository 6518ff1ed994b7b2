package apiclient

import "github.com/goccy/go-json"

const (
	codeOK             = 200
	codeUnauthorized   = 401
	codeSessionExpired = 406
)

// Envelope is the shape of every response body returned by the backend. A
// transport-successful response may still report an application failure in
// Code and Success.
type Envelope[T any] struct {
	Code    *int    `json:"code,omitempty"`
	Success bool    `json:"success"`
	Msg     *string `json:"msg,omitempty"`
	Data    *T      `json:"data,omitempty"`
}

// RawEnvelope is an envelope whose payload has not been decoded yet.
type RawEnvelope = Envelope[json.RawMessage]

func (e *Envelope[T]) code() (int, bool) {
	if e.Code == nil {
		return 0, false
	}
	return *e.Code, true
}

func (e *Envelope[T]) message() string {
	if e.Msg == nil {
		return ""
	}
	return *e.Msg
}

// succeeded reports whether the envelope carries a success sentinel: code 200,
// or no code with the success flag set.
func (e *Envelope[T]) succeeded() bool {
	code, ok := e.code()
	if ok {
		return code == codeOK
	}
	return e.Success
}
