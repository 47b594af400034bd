// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the CDKTR control-plane wire codec: delimited
// text requests and tagged text responses exchanged between agents and the
// principal over the request/reply transport (internal/transport).
//
// Wire format:
//
//	Request:  <ACTION>[SEP<arg1>[SEP<arg2>...]]
//	Response: PONG | OK | SUCCESS SEP <payload> | CLIENTERROR SEP <msg> |
//	          SERVERERROR SEP <msg> | UNPROC SEP <msg> | NETWORKERROR SEP <msg>
//
// SEP is the unit-separator byte 0x01. A raw SEP byte inside an action or
// argument is a protocol violation and is rejected at encode time.
package wire

import (
	"bytes"
	"fmt"
)

// Sep is the wire-level field delimiter.
const Sep = byte(0x01)

var sepSlice = []byte{Sep}

// Kind identifies a response's tag.
type Kind string

const (
	KindPong         Kind = "PONG"
	KindOK           Kind = "OK"
	KindSuccess      Kind = "SUCCESS"
	KindClientError  Kind = "CLIENTERROR"
	KindServerError  Kind = "SERVERERROR"
	KindUnprocessed  Kind = "UNPROC"
	KindNetworkError Kind = "NETWORKERROR"
)

// Response is a decoded wire response.
type Response struct {
	Kind    Kind
	Payload string // empty for PONG/OK
}

// ErrProtocolViolation is returned when an argument contains a raw SEP byte
// or a message cannot be decoded into a well-formed request/response.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("wire: protocol violation: %s", e.Reason)
}

// EncodeRequest joins action and args with SEP. Returns an error if any
// argument contains a raw SEP byte.
func EncodeRequest(action string, args ...string) ([]byte, error) {
	if bytes.IndexByte([]byte(action), Sep) != -1 {
		return nil, &ErrProtocolViolation{Reason: "action contains SEP byte"}
	}
	parts := make([][]byte, 0, len(args)+1)
	parts = append(parts, []byte(action))
	for i, a := range args {
		if bytes.IndexByte([]byte(a), Sep) != -1 {
			return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("arg %d contains SEP byte", i)}
		}
		parts = append(parts, []byte(a))
	}
	return bytes.Join(parts, sepSlice), nil
}

// DecodeRequest splits a raw request into its action and argument list.
func DecodeRequest(data []byte) (action string, args []string, err error) {
	if len(data) == 0 {
		return "", nil, &ErrProtocolViolation{Reason: "empty request"}
	}
	parts := bytes.Split(data, sepSlice)
	action = string(parts[0])
	if action == "" {
		return "", nil, &ErrProtocolViolation{Reason: "empty action"}
	}
	args = make([]string, len(parts)-1)
	for i, p := range parts[1:] {
		args[i] = string(p)
	}
	return action, args, nil
}

// EncodeResponse encodes a tagged response. payload is ignored for PONG
// and OK (bare-tag responses).
func EncodeResponse(kind Kind, payload string) []byte {
	switch kind {
	case KindPong, KindOK:
		return []byte(kind)
	default:
		return bytes.Join([][]byte{[]byte(kind), []byte(payload)}, sepSlice)
	}
}

// DecodeResponse parses a raw response into its kind and payload.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, &ErrProtocolViolation{Reason: "empty response"}
	}
	parts := bytes.SplitN(data, sepSlice, 2)
	kind := Kind(parts[0])
	switch kind {
	case KindPong, KindOK:
		return &Response{Kind: kind}, nil
	case KindSuccess, KindClientError, KindServerError, KindUnprocessed, KindNetworkError:
		payload := ""
		if len(parts) == 2 {
			payload = string(parts[1])
		}
		return &Response{Kind: kind, Payload: payload}, nil
	default:
		return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("unknown response kind %q", kind)}
	}
}

// Success builds a SUCCESS response carrying payload.
func Success(payload string) []byte { return EncodeResponse(KindSuccess, payload) }

// ClientError builds a CLIENTERROR response carrying msg.
func ClientError(msg string) []byte { return EncodeResponse(KindClientError, msg) }

// ServerError builds a SERVERERROR response carrying msg.
func ServerError(msg string) []byte { return EncodeResponse(KindServerError, msg) }

// Unprocessed builds an UNPROC response carrying msg.
func Unprocessed(msg string) []byte { return EncodeResponse(KindUnprocessed, msg) }

// NetworkError builds a NETWORKERROR response carrying msg.
func NetworkError(msg string) []byte { return EncodeResponse(KindNetworkError, msg) }

// Pong is the bare PONG response.
func Pong() []byte { return EncodeResponse(KindPong, "") }

// OK is the bare OK response.
func OK() []byte { return EncodeResponse(KindOK, "") }
