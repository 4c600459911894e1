package stream

// HistoryEntry is one sanitized role/content pair sent as model context.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Attachment describes an upload referenced by a message. Inline text and
// remote references are mutually exclusive; the core treats both as opaque.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Request is the JSON body of a streaming send.
type Request struct {
	Prompt             string         `json:"prompt"`
	Mode               string         `json:"mode"`
	Model              string         `json:"model"`
	ChatID             string         `json:"chatId,omitempty"`
	History            []HistoryEntry `json:"history"`
	Attachments        []Attachment   `json:"attachments"`
	ThinkingEnabled    bool           `json:"thinkingEnabled"`
	MemoryReadEnabled  bool           `json:"memoryReadEnabled"`
	MemoryWriteEnabled bool           `json:"memoryWriteEnabled"`
	RegenOfUserID      string         `json:"regenOfUserId,omitempty"`
	SkipUserInsert     bool           `json:"skipUserInsert"`
	BillingTag         string         `json:"billingTag,omitempty"`
	Title              string         `json:"title,omitempty"`
}
