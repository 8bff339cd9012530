package server

import "time"

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// DocumentResponse is the client view of a stored document.
type DocumentResponse struct {
	ID                    int64      `json:"id"`
	Filename              string     `json:"filename"`
	FileType              string     `json:"fileType"`
	Size                  int64      `json:"size"`
	Version               int        `json:"version"`
	PreviousVersionID     *int64     `json:"previousVersionId,omitempty"`
	TextExtractionSuccess bool       `json:"textExtractionSuccess"`
	EmbeddingsGenerated   bool       `json:"embeddingsGenerated"`
	Summary               *string    `json:"summary,omitempty"`
	SummaryGeneratedAt    *time.Time `json:"summaryGeneratedAt,omitempty"`
	Tags                  *string    `json:"tags,omitempty"`
	TagsGeneratedAt       *time.Time `json:"tagsGeneratedAt,omitempty"`
	UploadedAt            time.Time  `json:"uploadedAt"`
}

// AskRequest is a question posed against the user's documents, optionally
// scoped to one of them.
type AskRequest struct {
	Question   string `json:"question"`
	DocumentID int64  `json:"documentId,omitempty"`
}

// SearchHitResponse is one keyword search result.
type SearchHitResponse struct {
	DocumentID int64   `json:"documentId"`
	ChunkOrder int     `json:"chunkOrder"`
	Score      float64 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

// BroadcastRequest is the admin broadcast payload.
type BroadcastRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// FailedEmbeddingResponse is one row of the failed-embeddings report.
type FailedEmbeddingResponse struct {
	ChunkID    int64  `json:"chunkId"`
	DocumentID int64  `json:"documentId"`
	Filename   string `json:"filename"`
	OwnerID    int64  `json:"ownerId"`
	ChunkOrder int    `json:"chunkOrder"`
	Reason     string `json:"reason"`
}
