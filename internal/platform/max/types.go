package max

import "encoding/json"

// Wire shapes for the Bot API update stream.

type update struct {
	UpdateType string       `json:"update_type"`
	Timestamp  int64        `json:"timestamp"`
	Message    *wireMessage `json:"message"`
	Callback   *callback    `json:"callback"`
	ChatID     int64        `json:"chat_id"`
	User       *wireUser    `json:"user"`
	Chat       *wireChat    `json:"chat"`
	Title      string       `json:"title"`
}

type wireUser struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

type wireChat struct {
	ChatID int64  `json:"chat_id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
}

type wireMessage struct {
	Sender    *wireUser    `json:"sender"`
	Recipient recipient    `json:"recipient"`
	Timestamp int64        `json:"timestamp"`
	Body      messageBody  `json:"body"`
	Link      *wireMsgLink `json:"link"`
}

type recipient struct {
	ChatID   int64  `json:"chat_id"`
	ChatType string `json:"chat_type"`
}

type messageBody struct {
	MessageID   string       `json:"mid"`
	Seq         int64        `json:"seq"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments"`
}

type wireMsgLink struct {
	Type    string       `json:"type"`
	Message *wireMessage `json:"message"`
}

type attachment struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type mediaPayload struct {
	PhotoID int64  `json:"photo_id"`
	Token   string `json:"token"`
	URL     string `json:"url"`
	FileID  int64  `json:"fileId"`
}

type callback struct {
	CallbackID string    `json:"callback_id"`
	Payload    string    `json:"payload"`
	User       *wireUser `json:"user"`
}

func imageAttachment(token string) attachment {
	raw, _ := json.Marshal(map[string]string{"token": token})
	return attachment{Type: "image", Payload: raw}
}

func imageURLAttachment(url string) attachment {
	raw, _ := json.Marshal(map[string]string{"url": url})
	return attachment{Type: "image", Payload: raw}
}
