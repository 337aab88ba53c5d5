package api

import (
	"net/url"
	"strconv"

	"github.com/user/diagchat/internal/types"
)

// ThreadFilter narrows a thread listing. Zero values are omitted.
type ThreadFilter struct {
	WorkshopID   types.WorkshopID
	LicensePlate string
	IsResolved   *bool
	IsArchived   *bool
	Status       types.ThreadStatus
	Search       string
	Limit        int
	Offset       int
}

// Values encodes the filter as query parameters.
func (f ThreadFilter) Values() url.Values {
	q := url.Values{}
	if f.WorkshopID != "" {
		q.Set("workshop_id", string(f.WorkshopID))
	}
	if f.LicensePlate != "" {
		q.Set("license_plate", f.LicensePlate)
	}
	if f.IsResolved != nil {
		q.Set("is_resolved", strconv.FormatBool(*f.IsResolved))
	}
	if f.IsArchived != nil {
		q.Set("is_archived", strconv.FormatBool(*f.IsArchived))
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

// ThreadDetail is a thread with its full message history.
type ThreadDetail struct {
	Thread   types.Thread    `json:"thread"`
	Messages []types.Message `json:"messages"`
}

// SendMessageRequest is the REST send payload.
type SendMessageRequest struct {
	Content     string         `json:"content"`
	Attachments map[string]any `json:"attachments,omitempty"`
	IsMarkdown  bool           `json:"is_markdown"`
}

// Exchange is a user message and the assistant reply it produced, with the
// usage figures that came with it. It is shared by REST send responses and
// realtime message frames.
type Exchange struct {
	UserMessage      *types.Message     `json:"user_message"`
	AssistantMessage *types.Message     `json:"assistant_message"`
	Thread           *types.ThreadPatch `json:"thread,omitempty"`
	TokenUsage       *types.TokenUsage  `json:"token_usage,omitempty"`
}

// ThreadUpdate is a version-checked thread edit.
type ThreadUpdate struct {
	Version    int                 `json:"version"`
	IsResolved *bool               `json:"is_resolved,omitempty"`
	IsArchived *bool               `json:"is_archived,omitempty"`
	Status     *types.ThreadStatus `json:"status,omitempty"`
}

type threadList struct {
	Threads []types.Thread `json:"threads"`
}

type workshopList struct {
	Workshops []types.Workshop `json:"workshops"`
}

type remainingTokens struct {
	Remaining types.TokenUsage `json:"remaining"`
}
