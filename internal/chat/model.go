package chat

import "go-dm/internal/domain"

// ---------------------------------------------
// ⚡ Websocket frames
// ---------------------------------------------

const (
	FrameSendMessage = "send_message"
	FrameMarkRead    = "mark_read"
	FramePing        = "ping"
)

// InboundFrame is the JSON a browser sends over the socket. Sender identity and
// timestamps are never taken from the frame.
type InboundFrame struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiver_id,omitempty"`
	Content    string `json:"content,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// ---------------------------------------------
// 🗄️ API responses
// ---------------------------------------------

type SendMessageResponse struct {
	Success bool           `json:"success"`
	Message domain.Message `json:"message"`
}

type ChatEntry struct {
	domain.ChatSummary
	Status domain.UserStatus `json:"status"`
}

type ConversationResponse struct {
	With     domain.UserSummary `json:"with"`
	Status   domain.UserStatus  `json:"status"`
	Messages []domain.Message   `json:"messages"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required,max=10"`
}
