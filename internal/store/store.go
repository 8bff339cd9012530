package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/docstackhq/docstack/internal/index"
)

// ErrNotFound is returned when a requested record does not exist or is not
// visible to the requesting owner.
var ErrNotFound = errors.New("store: not found")

// Chunk embedding statuses. A chunk starts pending, and moves to succeeded
// or failed once the embedding batch has resolved. "succeeded" also implies
// a vector index entry exists; the reconciler repairs any divergence.
const (
	EmbeddingPending   = "pending"
	EmbeddingSucceeded = "succeeded"
	EmbeddingFailed    = "failed"
)

// Store wraps the Postgres database. The chunk_vectors table doubles as the
// vector index (pgvector, cosine distance).
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Document is a stored document record. Re-uploads supersede rather than
// replace: each upload gets a fresh row linked through PreviousVersionID.
type Document struct {
	ID                    int64
	OwnerID               int64
	Filename              string
	FileType              string
	Size                  int64
	StoredFilename        string
	Version               int
	PreviousVersionID     *int64
	ContentHash           string
	ExtractedText         string
	TextExtractionSuccess bool
	EmbeddingsGenerated   bool
	Summary               *string
	SummaryGeneratedAt    *time.Time
	Tags                  *string
	TagsGeneratedAt       *time.Time
	UploadedAt            time.Time
}

// Chunk is one ordered slice of a document's extracted text.
type Chunk struct {
	ID             int64
	DocumentID     int64
	Text           string
	Order          int
	WordCount      int
	StartPos       int
	EndPos         int
	EmbeddingState string
	EmbeddingError string
}

// FailedEmbedding is one row of the admin "failed embeddings" report.
type FailedEmbedding struct {
	ChunkID    int64
	DocumentID int64
	Filename   string
	OwnerID    int64
	Order      int
	Reason     string
}

// CreateUser inserts a user and returns its id. Duplicate emails surface
// the pq unique-violation to the caller.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO users (email, password_hash, created_at)
VALUES ($1, $2, NOW())
RETURNING id
`, email, passwordHash).Scan(&id)
	return id, err
}

// GetUserByEmail returns the user's id and password hash.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (int64, string, error) {
	var (
		id   int64
		hash string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	return id, hash, err
}

// CreateDocument inserts a document record and returns its id.
func (s *Store) CreateDocument(ctx context.Context, d Document) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO documents (
  owner_id, filename, file_type, size, stored_filename, version,
  previous_version_id, content_hash, uploaded_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
RETURNING id
`, d.OwnerID, d.Filename, d.FileType, d.Size, d.StoredFilename, d.Version, d.PreviousVersionID, d.ContentHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

const documentColumns = `
id, owner_id, filename, file_type, size, stored_filename, version,
previous_version_id, content_hash, COALESCE(extracted_text, ''),
text_extraction_success, embeddings_generated, summary, summary_generated_at,
tags, tags_generated_at, uploaded_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.OwnerID, &d.Filename, &d.FileType, &d.Size, &d.StoredFilename,
		&d.Version, &d.PreviousVersionID, &d.ContentHash, &d.ExtractedText,
		&d.TextExtractionSuccess, &d.EmbeddingsGenerated, &d.Summary,
		&d.SummaryGeneratedAt, &d.Tags, &d.TagsGeneratedAt, &d.UploadedAt,
	)
	return d, err
}

// GetDocument returns a document owned by ownerID.
func (s *Store) GetDocument(ctx context.Context, id, ownerID int64) (Document, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// GetDocumentByID returns a document regardless of owner (internal use).
func (s *Store) GetDocumentByID(ctx context.Context, id int64) (Document, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns all documents owned by ownerID, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID int64) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY uploaded_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// LatestVersion returns the highest-versioned document with the given
// filename for the owner, if any.
func (s *Store) LatestVersion(ctx context.Context, ownerID int64, filename string) (Document, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE owner_id = $1 AND filename = $2
ORDER BY version DESC
LIMIT 1
`, ownerID, filename)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return d, true, nil
}

// SetExtractionResult records the extraction stage outcome.
func (s *Store) SetExtractionResult(ctx context.Context, id int64, text string, success bool) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE documents SET extracted_text = $2, text_extraction_success = $3 WHERE id = $1
`, id, text, success)
	return err
}

// SetEmbeddingsGenerated flips the document-level embeddings flag.
func (s *Store) SetEmbeddingsGenerated(ctx context.Context, id int64, generated bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE documents SET embeddings_generated = $2 WHERE id = $1`, id, generated)
	return err
}

// SetSummary stores a generated summary and its timestamp.
func (s *Store) SetSummary(ctx context.Context, id int64, summary string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE documents SET summary = $2, summary_generated_at = NOW() WHERE id = $1
`, id, summary)
	return err
}

// SetTags stores generated tags and their timestamp.
func (s *Store) SetTags(ctx context.Context, id int64, tags string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE documents SET tags = $2, tags_generated_at = NOW() WHERE id = $1
`, id, tags)
	return err
}

// DeleteDocument removes the document row. Chunks and vectors cascade via
// foreign keys, but callers should delete vectors explicitly first so the
// index is never left dangling if this call fails midway.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceChunks atomically swaps a document's chunk set: existing chunks and
// their vector entries are deleted and the drafts inserted in one
// transaction. Returned chunks carry their new ids in order.
func (s *Store) ReplaceChunks(ctx context.Context, documentID int64, drafts []Chunk) ([]Chunk, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = $1`, documentID); err != nil {
		return nil, fmt.Errorf("delete chunk vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (document_id, chunk_text, chunk_order, word_count, start_position, end_position, embedding_status)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`)
	if err != nil {
		return nil, fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	out := make([]Chunk, 0, len(drafts))
	for _, c := range drafts {
		c.DocumentID = documentID
		if c.EmbeddingState == "" {
			c.EmbeddingState = EmbeddingPending
		}
		if err := stmt.QueryRowContext(ctx,
			documentID, c.Text, c.Order, c.WordCount, c.StartPos, c.EndPos, c.EmbeddingState,
		).Scan(&c.ID); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", c.Order, err)
		}
		out = append(out, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

const chunkColumns = `id, document_id, chunk_text, chunk_order, word_count,
start_position, end_position, embedding_status, COALESCE(embedding_error, '')`

func scanChunk(row interface{ Scan(...interface{}) error }) (Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.Text, &c.Order, &c.WordCount,
		&c.StartPos, &c.EndPos, &c.EmbeddingState, &c.EmbeddingError)
	return c, err
}

// ListChunks returns a document's chunks in order.
func (s *Store) ListChunks(ctx context.Context, documentID int64) ([]Chunk, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = $1 ORDER BY chunk_order ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByIDs fetches the given chunks keyed by id.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	out := make(map[int64]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// SetChunkEmbeddingStatus records the outcome of embedding one chunk.
func (s *Store) SetChunkEmbeddingStatus(ctx context.Context, chunkID int64, status, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE chunks SET embedding_status = $2, embedding_error = NULLIF($3, '') WHERE id = $1
`, chunkID, status, reason)
	return err
}

// MarkChunksEmbeddingFailed rolls a set of chunks back to failed, e.g. when
// indexing fails after their embeddings succeeded.
func (s *Store) MarkChunksEmbeddingFailed(ctx context.Context, chunkIDs []int64, reason string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE chunks SET embedding_status = $2, embedding_error = $3 WHERE id = ANY($1)
`, pq.Array(chunkIDs), EmbeddingFailed, reason)
	return err
}

// FailedEmbeddings lists chunks whose embedding generation failed, across
// all documents, for the admin report.
func (s *Store) FailedEmbeddings(ctx context.Context) ([]FailedEmbedding, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, c.document_id, d.filename, d.owner_id, c.chunk_order, COALESCE(c.embedding_error, '')
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.embedding_status = $1
ORDER BY c.document_id, c.chunk_order
`, EmbeddingFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailedEmbedding
	for rows.Next() {
		var f FailedEmbedding
		if err := rows.Scan(&f.ChunkID, &f.DocumentID, &f.Filename, &f.OwnerID, &f.Order, &f.Reason); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountChunksByStatus counts a document's chunks in the given status.
func (s *Store) CountChunksByStatus(ctx context.Context, documentID int64, status string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = $1 AND embedding_status = $2`, documentID, status).Scan(&n)
	return n, err
}

// DocumentIDsWithChunks lists distinct documents that currently have chunks.
func (s *Store) DocumentIDsWithChunks(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT document_id FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert implements index.Index over the chunk_vectors pgvector table.
func (s *Store) Upsert(ctx context.Context, entries []index.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_vectors (chunk_id, document_id, chunk_order, embedding, created_at)
VALUES ($1,$2,$3,$4::vector,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  chunk_order = EXCLUDED.chunk_order,
  embedding = EXCLUDED.embedding,
  created_at = NOW()
`)
	if err != nil {
		return fmt.Errorf("prepare vector upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		lit, err := encodeVectorLiteral(e.Vector)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", e.ChunkID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.DocumentID, e.Order, lit); err != nil {
			return fmt.Errorf("upsert vector for chunk %d: %w", e.ChunkID, err)
		}
	}
	return tx.Commit()
}

// DeleteByDocument implements index.Index.
func (s *Store) DeleteByDocument(ctx context.Context, documentID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = $1`, documentID)
	return err
}

// Search implements index.Index. pgvector's <=> operator is cosine
// distance; score is reported as 1 - distance so higher is more similar.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, documentID int64) ([]index.Hit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT chunk_id, document_id, chunk_order, embedding <=> $1::vector AS distance
FROM chunk_vectors
WHERE ($2 = 0 OR document_id = $2)
ORDER BY embedding <=> $1::vector
LIMIT $3
`, lit, documentID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []index.Hit
	for rows.Next() {
		var (
			h        index.Hit
			distance float64
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Order, &distance); err != nil {
			return nil, err
		}
		h.Score = 1 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// CountByDocument implements index.Index.
func (s *Store) CountByDocument(ctx context.Context, documentID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_vectors WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	parts := strings.Split(lit, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
