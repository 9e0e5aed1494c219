/*
 *
 * Copyright 2025 GameStringer authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package protocol defines the wire format exchanged between the translation
// host and the injected game client: a fixed 17-byte frame header followed by
// a typed, length-prefixed payload. The package is pure serialization; it
// performs no I/O and holds no state beyond per-direction sequence tracking.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Version is the protocol version exchanged in Hello/HelloAck. A mismatch is
// a hard failure; no backward-compatibility negotiation is attempted.
const Version = uint32(1)

// Frame header layout (17 bytes, little-endian):
// uint8  type      // enum MsgType
// uint32 length    // payload length in bytes (excludes 17-byte header)
// uint64 seq       // strictly increasing per direction
// uint32 checksum  // CRC32 (IEEE) of the payload
const HeaderSize = 17

// MaxPayloadSize bounds a single frame payload. Matches the original bridge's
// 64KB string ceiling.
const MaxPayloadSize = 64 * 1024

// MsgType identifies a frame's payload type.
type MsgType uint8

// Type tag 0x00 is reserved: the ring layer uses it for padding frames at
// end-of-ring, which are consumed below the codec and never decoded here.
const (
	MsgHello                  MsgType = 0x01
	MsgHelloAck               MsgType = 0x02
	MsgTranslationRequest     MsgType = 0x03
	MsgTranslationResponse    MsgType = 0x04
	MsgDictionaryReloadNotice MsgType = 0x05
	MsgHeartbeat              MsgType = 0x06
	MsgShutdown               MsgType = 0x07
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgTranslationRequest:
		return "TRANSLATION_REQUEST"
	case MsgTranslationResponse:
		return "TRANSLATION_RESPONSE"
	case MsgDictionaryReloadNotice:
		return "DICTIONARY_RELOAD_NOTICE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Status reports the outcome of a translation lookup.
type Status uint8

const (
	// StatusTranslated means the dictionary held a translation.
	StatusTranslated Status = 0
	// StatusUntranslated means the lookup missed; the response carries the
	// source text unchanged (fail-open).
	StatusUntranslated Status = 1
	// StatusError means the host could not service the request.
	StatusError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusTranslated:
		return "translated"
	case StatusUntranslated:
		return "untranslated"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

var (
	// ErrChecksumMismatch indicates the payload CRC did not match the header.
	// Fatal for the frame; the session must resynchronize.
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	// ErrUnknownMessageType indicates an unrecognized type tag.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrFrameTooShort indicates a frame smaller than its declared size.
	ErrFrameTooShort = errors.New("protocol: frame too short")
	// ErrPayloadTooLarge indicates a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	// ErrSequenceGap indicates a skipped sequence number, treated as frame
	// loss or ring corruption.
	ErrSequenceGap = errors.New("protocol: sequence gap")
)

// Message is the closed set of frames exchanged over the rings. All
// implementations live in this package.
type Message interface {
	Type() MsgType
	appendPayload(b []byte) []byte
}

// Hello opens the handshake. Sent by the client after attaching.
type Hello struct {
	Version uint32
}

// HelloAck completes the handshake. Sent by the host in response to Hello.
type HelloAck struct {
	Version uint32
}

// TranslationRequest asks the host to translate SourceText rendered under
// ContextKey. Correlated with its response by RequestID.
type TranslationRequest struct {
	RequestID  uint64
	SourceText string
	ContextKey string
}

// TranslationResponse answers a TranslationRequest. On a dictionary miss
// TranslatedText carries the source text unchanged and Status is
// StatusUntranslated.
type TranslationResponse struct {
	RequestID      uint64
	TranslatedText string
	Status         Status
}

// DictionaryReloadNotice informs the client that a new dictionary generation
// is active. Informational only; lookups use the new generation regardless.
type DictionaryReloadNotice struct {
	Generation uint64
}

// Heartbeat is emitted on a fixed interval by both sides to detect a dead
// peer even when idle.
type Heartbeat struct {
	UnixNano int64
}

// Shutdown announces an orderly session teardown.
type Shutdown struct {
	Reason string
}

func (Hello) Type() MsgType                  { return MsgHello }
func (HelloAck) Type() MsgType               { return MsgHelloAck }
func (TranslationRequest) Type() MsgType     { return MsgTranslationRequest }
func (TranslationResponse) Type() MsgType    { return MsgTranslationResponse }
func (DictionaryReloadNotice) Type() MsgType { return MsgDictionaryReloadNotice }
func (Heartbeat) Type() MsgType              { return MsgHeartbeat }
func (Shutdown) Type() MsgType               { return MsgShutdown }

func (m Hello) appendPayload(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, m.Version)
}

func (m HelloAck) appendPayload(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, m.Version)
}

func (m TranslationRequest) appendPayload(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, m.RequestID)
	b = appendString(b, m.SourceText)
	b = appendString(b, m.ContextKey)
	return b
}

func (m TranslationResponse) appendPayload(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, m.RequestID)
	b = appendString(b, m.TranslatedText)
	b = append(b, byte(m.Status))
	return b
}

func (m DictionaryReloadNotice) appendPayload(b []byte) []byte {
	return binary.LittleEndian.AppendUint64(b, m.Generation)
}

func (m Heartbeat) appendPayload(b []byte) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(m.UnixNano))
}

func (m Shutdown) appendPayload(b []byte) []byte {
	return appendString(b, m.Reason)
}

// appendString appends a u32 length prefix followed by the raw UTF-8 bytes.
// Strings are never null-terminated on the wire.
func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, ErrFrameTooShort
	}
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < n {
		return "", nil, ErrFrameTooShort
	}
	return string(b[:n]), b[n:], nil
}

// Encode serializes msg into a complete frame (header + payload) carrying
// the given sequence number.
func Encode(msg Message, seq uint64) ([]byte, error) {
	payload := msg.appendPayload(nil)
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	frame := make([]byte, HeaderSize, HeaderSize+len(payload))
	frame[0] = byte(msg.Type())
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[5:13], seq)
	binary.LittleEndian.PutUint32(frame[13:17], crc32.ChecksumIEEE(payload))
	return append(frame, payload...), nil
}

// Decode parses a complete frame and returns the message and its sequence
// number. The checksum is verified before any payload field is read.
func Decode(frame []byte) (Message, uint64, error) {
	if len(frame) < HeaderSize {
		return nil, 0, ErrFrameTooShort
	}
	typ := MsgType(frame[0])
	length := int(binary.LittleEndian.Uint32(frame[1:5]))
	seq := binary.LittleEndian.Uint64(frame[5:13])
	sum := binary.LittleEndian.Uint32(frame[13:17])

	if length > MaxPayloadSize {
		return nil, 0, ErrPayloadTooLarge
	}
	if len(frame) < HeaderSize+length {
		return nil, 0, ErrFrameTooShort
	}
	payload := frame[HeaderSize : HeaderSize+length]
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, 0, ErrChecksumMismatch
	}

	msg, err := decodePayload(typ, payload)
	if err != nil {
		return nil, 0, err
	}
	return msg, seq, nil
}

func decodePayload(typ MsgType, p []byte) (Message, error) {
	switch typ {
	case MsgHello:
		if len(p) < 4 {
			return nil, ErrFrameTooShort
		}
		return Hello{Version: binary.LittleEndian.Uint32(p)}, nil

	case MsgHelloAck:
		if len(p) < 4 {
			return nil, ErrFrameTooShort
		}
		return HelloAck{Version: binary.LittleEndian.Uint32(p)}, nil

	case MsgTranslationRequest:
		if len(p) < 8 {
			return nil, ErrFrameTooShort
		}
		m := TranslationRequest{RequestID: binary.LittleEndian.Uint64(p[0:8])}
		var err error
		rest := p[8:]
		if m.SourceText, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if m.ContextKey, _, err = readString(rest); err != nil {
			return nil, err
		}
		return m, nil

	case MsgTranslationResponse:
		if len(p) < 8 {
			return nil, ErrFrameTooShort
		}
		m := TranslationResponse{RequestID: binary.LittleEndian.Uint64(p[0:8])}
		var err error
		rest := p[8:]
		if m.TranslatedText, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, ErrFrameTooShort
		}
		m.Status = Status(rest[0])
		return m, nil

	case MsgDictionaryReloadNotice:
		if len(p) < 8 {
			return nil, ErrFrameTooShort
		}
		return DictionaryReloadNotice{Generation: binary.LittleEndian.Uint64(p)}, nil

	case MsgHeartbeat:
		if len(p) < 8 {
			return nil, ErrFrameTooShort
		}
		return Heartbeat{UnixNano: int64(binary.LittleEndian.Uint64(p))}, nil

	case MsgShutdown:
		m := Shutdown{}
		var err error
		if m.Reason, _, err = readString(p); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, uint8(typ))
}

// PeekType returns the type tag of a frame without decoding it. The frame
// must hold at least one byte.
func PeekType(frame []byte) MsgType {
	return MsgType(frame[0])
}
