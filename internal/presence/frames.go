package presence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Frame types.
const (
	TypePresence = "presence"
	TypeChat     = "chat"
)

// MaxChatBytes bounds the text of one chat message.
const MaxChatBytes = 4096

// ErrInvalidFrame is returned for frames that fail to parse or validate.
var ErrInvalidFrame = errors.New("presence: invalid frame")

var frameValidate *validator.Validate

func init() {
	frameValidate = validator.New()
	_ = frameValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxChatBytes
	})
}

// Point is a cursor position in page coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceFrame announces a user's cursor and focused block. Cursor and
// FocusedBlockID are encoded as null when unset.
type PresenceFrame struct {
	Type           string  `json:"type" validate:"eq=presence"`
	UserID         string  `json:"userId" validate:"required,max=256"`
	Name           string  `json:"name" validate:"max=256"`
	Cursor         *Point  `json:"cursor"`
	FocusedBlockID *string `json:"focusedBlockId" validate:"omitempty,max=128"`
}

// ChatFrame carries one ephemeral chat message.
type ChatFrame struct {
	Type   string `json:"type" validate:"eq=chat"`
	MsgID  string `json:"msgId" validate:"required,max=64"`
	UserID string `json:"userId" validate:"required,max=256"`
	Name   string `json:"name" validate:"max=256"`
	Text   string `json:"text" validate:"required,maxbytes"`
}

// Frame is the decoded tagged union; exactly one field is set.
type Frame struct {
	Presence *PresenceFrame
	Chat     *ChatFrame
}

// DecodeFrame parses and validates a text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch head.Type {
	case TypePresence:
		var p PresenceFrame
		if err := decodeValid(data, &p); err != nil {
			return Frame{}, err
		}
		return Frame{Presence: &p}, nil
	case TypeChat:
		var c ChatFrame
		if err := decodeValid(data, &c); err != nil {
			return Frame{}, err
		}
		return Frame{Chat: &c}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, head.Type)
	}
}

func decodeValid(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := frameValidate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// EncodeFrame validates and serializes a *PresenceFrame or *ChatFrame.
func EncodeFrame(v any) ([]byte, error) {
	switch v.(type) {
	case *PresenceFrame, *ChatFrame:
	default:
		return nil, fmt.Errorf("%w: unsupported frame %T", ErrInvalidFrame, v)
	}
	if err := frameValidate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return json.Marshal(v)
}
