// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// TokenPair is the credential pair issued by login and refresh. An empty
// string stands for an absent token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Authenticated reports whether the pair carries an access token.
func (p TokenPair) Authenticated() bool {
	return p.AccessToken != ""
}

// TokenResponse is the wire shape returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadResolved ThreadStatus = "resolved"
	ThreadArchived ThreadStatus = "archived"
)

// UnmarshalJSON accepts the backend's "completed" spelling for resolved threads.
func (s *ThreadStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "completed", string(ThreadResolved):
		*s = ThreadResolved
	case string(ThreadArchived):
		*s = ThreadArchived
	default:
		*s = ThreadActive
	}
	return nil
}

// Thread is a diagnostic conversation tied to one vehicle.
type Thread struct {
	ID                    ThreadID     `json:"id"`
	WorkshopID            WorkshopID   `json:"workshop_id"`
	UserID                UserID       `json:"user_id,omitempty"`
	Title                 string       `json:"title,omitempty"`
	LicensePlate          string       `json:"license_plate"`
	VehicleKM             int          `json:"vehicle_km,omitempty"`
	ErrorCodes            string       `json:"error_codes,omitempty"`
	VehicleContext        string       `json:"vehicle_context,omitempty"`
	Status                ThreadStatus `json:"status"`
	IsResolved            bool         `json:"is_resolved"`
	IsArchived            bool         `json:"is_archived"`
	TotalPromptTokens     int          `json:"total_prompt_tokens"`
	TotalCompletionTokens int          `json:"total_completion_tokens"`
	TotalTokens           int          `json:"total_tokens"`
	LastMessageAt         *time.Time   `json:"last_message_at,omitempty"`
	Version               int          `json:"version"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// ThreadPatch is the partial thread carried by realtime message frames.
type ThreadPatch struct {
	TotalPromptTokens     *int       `json:"total_prompt_tokens,omitempty"`
	TotalCompletionTokens *int       `json:"total_completion_tokens,omitempty"`
	TotalTokens           *int       `json:"total_tokens,omitempty"`
	LastMessageAt         *time.Time `json:"last_message_at,omitempty"`
}

// Apply overwrites the usage figures present in the patch.
func (t *Thread) Apply(p ThreadPatch) {
	if p.TotalPromptTokens != nil {
		t.TotalPromptTokens = *p.TotalPromptTokens
	}
	if p.TotalCompletionTokens != nil {
		t.TotalCompletionTokens = *p.TotalCompletionTokens
	}
	if p.TotalTokens != nil {
		t.TotalTokens = *p.TotalTokens
	}
	if p.LastMessageAt != nil {
		at := *p.LastMessageAt
		t.LastMessageAt = &at
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a thread. It is immutable once created apart
// from the edit flag.
type Message struct {
	ID               MessageID      `json:"id"`
	ThreadID         ThreadID       `json:"thread_id"`
	UserID           UserID         `json:"user_id,omitempty"`
	Role             Role           `json:"role"`
	SenderType       string         `json:"sender_type,omitempty"`
	Content          string         `json:"content"`
	IsMarkdown       bool           `json:"is_markdown"`
	Attachments      map[string]any `json:"attachments,omitempty"`
	AIModelUsed      string         `json:"ai_model_used,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	SequenceNumber   int64          `json:"sequence_number,omitempty"`
	IsEdited         bool           `json:"is_edited"`
	EditedAt         *time.Time     `json:"edited_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// MessageTokens groups the token counts of a message.
type MessageTokens struct {
	Prompt     int
	Completion int
	Total      int
}

func (m *Message) Tokens() MessageTokens {
	return MessageTokens{Prompt: m.PromptTokens, Completion: m.CompletionTokens, Total: m.TotalTokens}
}

// UserUsage is the per-user slice of a token usage snapshot. Nil limits mean
// no limit applies.
type UserUsage struct {
	DailyLimit       *int `json:"daily_limit"`
	DailyUsed        int  `json:"daily_used"`
	DailyRemaining   *int `json:"daily_remaining"`
	MonthlyLimit     *int `json:"monthly_limit"`
	MonthlyUsed      int  `json:"monthly_used"`
	MonthlyRemaining *int `json:"monthly_remaining"`
	IsUnlimited      bool `json:"is_unlimited"`
}

// WorkshopUsage is the per-workshop slice of a token usage snapshot.
type WorkshopUsage struct {
	MonthlyLimit     int        `json:"monthly_limit"`
	MonthlyUsed      int        `json:"monthly_used"`
	MonthlyRemaining int        `json:"monthly_remaining"`
	ResetDate        *time.Time `json:"reset_date,omitempty"`
}

// TokenUsage is the usage snapshot pushed alongside message exchanges.
type TokenUsage struct {
	User     *UserUsage     `json:"user,omitempty"`
	Workshop *WorkshopUsage `json:"workshop,omitempty"`
}

// Clone returns a deep copy so cached snapshots cannot be mutated by readers.
func (u *TokenUsage) Clone() *TokenUsage {
	if u == nil {
		return nil
	}
	out := &TokenUsage{}
	if u.User != nil {
		user := *u.User
		user.DailyLimit = cloneInt(u.User.DailyLimit)
		user.DailyRemaining = cloneInt(u.User.DailyRemaining)
		user.MonthlyLimit = cloneInt(u.User.MonthlyLimit)
		user.MonthlyRemaining = cloneInt(u.User.MonthlyRemaining)
		out.User = &user
	}
	if u.Workshop != nil {
		ws := *u.Workshop
		if u.Workshop.ResetDate != nil {
			at := *u.Workshop.ResetDate
			ws.ResetDate = &at
		}
		out.Workshop = &ws
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Workshop is the tenant a technician works in.
type Workshop struct {
	ID                  WorkshopID `json:"id"`
	Name                string     `json:"name"`
	Slug                string     `json:"slug"`
	MonthlyTokenLimit   int        `json:"monthly_token_limit"`
	TokensUsedThisMonth int        `json:"tokens_used_this_month"`
	IsActive            bool       `json:"is_active"`
}

// NewThread is the payload for creating a conversation.
type NewThread struct {
	WorkshopID     WorkshopID `json:"workshop_id"`
	LicensePlate   string     `json:"license_plate"`
	VehicleKM      int        `json:"vehicle_km,omitempty"`
	ErrorCodes     string     `json:"error_codes,omitempty"`
	VehicleContext string     `json:"vehicle_context,omitempty"`
}
