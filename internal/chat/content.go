package chat

import (
	"log/slog"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/diagchat/internal/types"
)

var htmlTag = regexp.MustCompile(`(?i)</?(p|br|div|ul|ol|li|strong|em|b|i|h[1-6]|table|tr|td|pre|code|a)\b[^>]*>`)

// NormalizeContent returns the message body as markdown. Bodies flagged as
// markdown and plain text pass through; HTML bodies are converted.
func NormalizeContent(msg types.Message) string {
	if msg.IsMarkdown || !htmlTag.MatchString(msg.Content) {
		return msg.Content
	}
	md, err := htmltomarkdown.ConvertString(msg.Content)
	if err != nil {
		slog.Debug("html conversion failed, showing raw content", "message_id", string(msg.ID), "error", err)
		return msg.Content
	}
	return strings.TrimSpace(md)
}
