package domain

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxAttachmentBytes caps the decoded size of a single attachment.
const DefaultMaxAttachmentBytes = 25 << 20

// Attachment is an inbound file carried inline as standard base64.
type Attachment struct {
	MimeType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
}

// ChatRequest is the inbound body of a chat-stream call.
type ChatRequest struct {
	AgentID        string       `json:"agent_id"`
	Message        string       `json:"message"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Validate checks the request shape. maxAttachmentBytes <= 0 selects
// DefaultMaxAttachmentBytes. Failures are invalid_request errors naming the
// offending field.
func (r *ChatRequest) Validate(maxAttachmentBytes int) error {
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = DefaultMaxAttachmentBytes
	}

	if strings.TrimSpace(r.Message) == "" {
		return ErrInvalidRequest("message must not be empty").WithParam("message")
	}
	if _, err := uuid.Parse(r.AgentID); err != nil {
		return ErrInvalidRequest("agent_id must be a UUID").WithParam("agent_id")
	}

	for i, att := range r.Attachments {
		param := fmt.Sprintf("attachments[%d]", i)
		if strings.TrimSpace(att.MimeType) == "" {
			return ErrInvalidRequest("attachment mime_type must not be empty").WithParam(param + ".mime_type")
		}
		if att.DataBase64 == "" {
			return ErrInvalidRequest("attachment data must not be empty").WithParam(param + ".data_base64")
		}
		if base64.StdEncoding.DecodedLen(len(att.DataBase64)) > maxAttachmentBytes+2 {
			return ErrInvalidRequest("attachment exceeds size limit").WithParam(param + ".data_base64")
		}
		decoded, err := base64.StdEncoding.DecodeString(att.DataBase64)
		if err != nil {
			return ErrInvalidRequest("attachment data is not valid base64").WithParam(param + ".data_base64")
		}
		if len(decoded) > maxAttachmentBytes {
			return ErrInvalidRequest("attachment exceeds size limit").WithParam(param + ".data_base64")
		}
	}
	return nil
}
