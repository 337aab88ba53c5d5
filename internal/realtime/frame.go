package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/pkg/api"
)

// FrameType tags inbound frames.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameTyping  FrameType = "typing"
	FrameError   FrameType = "error"
	FrameStatus  FrameType = "status"
)

// Frame is an inbound realtime frame. Message frames carry an exchange;
// typing frames carry UserID; error frames carry Message; status frames
// carry Status.
type Frame struct {
	Type FrameType `json:"type"`
	api.Exchange
	UserID  types.UserID `json:"user_id,omitempty"`
	Message string       `json:"message,omitempty"`
	Status  string       `json:"status,omitempty"`
}

// ParseFrame decodes an inbound frame and rejects unknown types.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameMessage, FrameError, FrameStatus:
	case FrameTyping:
		if f.UserID == "" {
			return nil, fmt.Errorf("typing frame without user_id")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// outboundMessage is the frame sent for a new user message.
type outboundMessage struct {
	Type        string         `json:"type"`
	Content     string         `json:"content"`
	Attachments map[string]any `json:"attachments,omitempty"`
}
