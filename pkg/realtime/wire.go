package realtime

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
)

// Frame types exchanged with the push server.
//
// Client to server:
//
//	{"type":"subscribe","topic":"posts","token":"..."}
//
// Server to client:
//
//	{"type":"ack","topic":"posts"}
//	{"type":"message","topic":"posts","event":"INSERT","payload":{...}}
//	{"type":"error","message":"..."}
const (
	FrameSubscribe = "subscribe"
	FrameAck       = "ack"
	FrameMessage   = "message"
	FrameError     = "error"
)

type subscribeFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Token string `json:"token,omitempty"`
}

// EncodeSubscribe builds the subscription request frame.
func EncodeSubscribe(topic, token string) ([]byte, error) {
	return json.Marshal(subscribeFrame{Type: FrameSubscribe, Topic: topic, Token: token})
}

// ServerError is an error frame sent by the push server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "realtime server error: " + e.Message
}

// Frame is a decoded server frame.
type Frame struct {
	Type    string
	Message Message
	Err     error
}

var errMissingType = errors.New("frame has no type")

// DecodeFrame parses a server frame without unmarshaling the payload.
func DecodeFrame(data []byte) (Frame, error) {
	typ, err := jsonparser.GetString(data, "type")
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return Frame{}, errMissingType
		}
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}

	f := Frame{Type: typ}
	switch typ {
	case FrameAck:
		f.Message.Topic, _ = jsonparser.GetString(data, "topic")

	case FrameMessage:
		f.Message.Topic, _ = jsonparser.GetString(data, "topic")
		f.Message.Event, _ = jsonparser.GetString(data, "event")
		payload, dataType, _, err := jsonparser.Get(data, "payload")
		if err == nil {
			if dataType == jsonparser.String {
				// Get strips the quotes of string values
				str, err := jsonparser.ParseString(payload)
				if err != nil {
					return Frame{}, fmt.Errorf("invalid payload: %w", err)
				}
				if payload, err = json.Marshal(str); err != nil {
					return Frame{}, fmt.Errorf("invalid payload: %w", err)
				}
			}
			f.Message.Payload = append([]byte(nil), payload...)
		}

	case FrameError:
		msg, _ := jsonparser.GetString(data, "message")
		f.Err = &ServerError{Message: msg}

	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", typ)
	}

	return f, nil
}
