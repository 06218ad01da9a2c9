// Package protocol implements the binary framing shared by the agent and the collector.
//
// Every message is a 1-byte type, a 4-byte big-endian payload length and the payload.
// Responses use the same shape with a response code in place of the type and a UTF-8
// message as the payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultPort is the collector's default TCP port.
const DefaultPort = 2591

// MaxMessageSize bounds any declared payload length.
const MaxMessageSize = 10 * 1024 * 1024

const headerSize = 5

// MessageType identifies a request frame.
type MessageType byte

const (
	TypeLogBatch       MessageType = 0x01
	TypeHeartbeat      MessageType = 0x02
	TypeBlockRequest   MessageType = 0x03
	TypeAuth           MessageType = 0x04
	TypeConnectionTest MessageType = 0x09
	TypeRegister       MessageType = 0x10
	TypeUnregister     MessageType = 0x11
)

func (t MessageType) String() string {
	switch t {
	case TypeLogBatch:
		return "LOG_BATCH"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeBlockRequest:
		return "BLOCK_REQUEST"
	case TypeAuth:
		return "AUTH"
	case TypeConnectionTest:
		return "CONNECTION_TEST"
	case TypeRegister:
		return "REGISTER"
	case TypeUnregister:
		return "UNREGISTER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeLogBatch, TypeHeartbeat, TypeBlockRequest, TypeAuth,
		TypeConnectionTest, TypeRegister, TypeUnregister:
		return true
	}
	return false
}

// ResponseCode is the first byte of every response.
type ResponseCode byte

const (
	CodeSuccess    ResponseCode = 0x00
	CodeError      ResponseCode = 0x01
	CodeAuthFailed ResponseCode = 0x02
)

func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeError:
		return "ERROR"
	case CodeAuthFailed:
		return "AUTH_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
	}
}

var (
	// ErrFrameTooLarge is returned when a header declares a payload above the limit.
	ErrFrameTooLarge = errors.New("declared frame length exceeds maximum")
	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Frame is one decoded request.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Response is one decoded response.
type Response struct {
	Code    ResponseCode
	Message string
}

// OK reports whether the response carries CodeSuccess.
func (r Response) OK() bool {
	return r.Code == CodeSuccess
}

// WriteFrame writes a complete frame in a single Write call.
func WriteFrame(w io.Writer, t MessageType, payload []byte) error {
	return writeMessage(w, byte(t), payload)
}

// WriteResponse writes a response frame.
func WriteResponse(w io.Writer, code ResponseCode, message string) error {
	return writeMessage(w, byte(code), []byte(message))
}

func writeMessage(w io.Writer, head byte, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = head
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one request frame. Lengths above maxSize are rejected before
// any payload byte is read. A maxSize of zero means MaxMessageSize.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	head, payload, err := readMessage(r, maxSize)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: MessageType(head), Payload: payload}, nil
}

// ReadResponse reads one response frame.
func ReadResponse(r io.Reader, maxSize int) (Response, error) {
	head, payload, err := readMessage(r, maxSize)
	if err != nil {
		return Response{}, err
	}
	return Response{Code: ResponseCode(head), Message: string(payload)}, nil
}

func readMessage(r io.Reader, maxSize int) (byte, []byte, error) {
	if maxSize <= 0 || maxSize > MaxMessageSize {
		maxSize = MaxMessageSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[1:])
	if uint64(length) > uint64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return header[0], payload, nil
}
