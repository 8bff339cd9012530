// Package notify fans out typed event messages to live client sessions.
// Messages are ephemeral: they live only in the delivery path and are never
// persisted server-side.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a notification.
type Type string

const (
	TypeDocumentUploaded       Type = "DOCUMENT_UPLOADED"
	TypeDocumentDeleted        Type = "DOCUMENT_DELETED"
	TypeTextExtractionComplete Type = "TEXT_EXTRACTION_COMPLETE"
	TypeTextExtractionFailed   Type = "TEXT_EXTRACTION_FAILED"
	TypeEmbeddingsGenerated    Type = "EMBEDDINGS_GENERATED"
	TypeSummaryGenerated       Type = "SUMMARY_GENERATED"
	TypeSummaryRegenerated     Type = "SUMMARY_REGENERATED"
	TypeTagsGenerated          Type = "TAGS_GENERATED"
	TypeTagsRegenerated        Type = "TAGS_REGENERATED"
	TypeQuestionAnswered       Type = "QUESTION_ANSWERED"
	TypeSystem                 Type = "SYSTEM"
)

// Message is the JSON payload delivered to clients.
type Message struct {
	ID           string                 `json:"id"`
	Type         Type                   `json:"type"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	DocumentID   *int64                 `json:"documentId,omitempty"`
	DocumentName *string                `json:"documentName,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Read         bool                   `json:"read"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(typ Type, title, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Title:     title,
		Message:   text,
		Timestamp: time.Now().UTC(),
	}
}
