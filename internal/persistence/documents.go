package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/donna/internal/bus"
	"github.com/google/uuid"
)

type EmbeddingStatus string

const (
	EmbeddingPending           EmbeddingStatus = "pending"
	EmbeddingComplete          EmbeddingStatus = "complete"
	EmbeddingFailed            EmbeddingStatus = "failed"
	EmbeddingPermanentlyFailed EmbeddingStatus = "permanently_failed"
)

// Document is one indexed fact: an email, calendar entry, contact, or note,
// keyed by (owner_id, source_type, source_id) so re-observing the same
// external fact updates rather than duplicates.
type Document struct {
	ID                     string          `json:"id"`
	OwnerID                string          `json:"owner_id"`
	SourceType             string          `json:"source_type"`
	SourceID               string          `json:"source_id"`
	Content                string          `json:"content"`
	Metadata               string          `json:"metadata"`
	Embedding              string          `json:"embedding,omitempty"`
	EmbeddingStatus        EmbeddingStatus `json:"embedding_status"`
	EmbeddingRetryCount    int             `json:"embedding_retry_count"`
	EmbeddingGeneratedAt   *time.Time      `json:"embedding_generated_at,omitempty"`
	EmbeddingFailedAt      *time.Time      `json:"embedding_failed_at,omitempty"`
	EmbeddingError         string          `json:"embedding_error,omitempty"`
	NextEmbeddingAttemptAt *time.Time      `json:"next_embedding_attempt_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Vector decodes the stored embedding. Nil when none is stored.
func (d *Document) Vector() ([]float32, error) {
	if d.Embedding == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(d.Embedding), &v); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", d.ID, err)
	}
	return v, nil
}

// EncodeEmbedding serializes a vector for storage.
func EncodeEmbedding(v []float32) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(data), nil
}

// UpsertDocumentParams is the input to UpsertDocument.
type UpsertDocumentParams struct {
	OwnerID    string
	SourceType string
	SourceID   string
	Content    string
	Metadata   map[string]any
}

func (p UpsertDocumentParams) validate() error {
	if p.OwnerID == "" || p.SourceType == "" || p.SourceID == "" {
		return fmt.Errorf("owner_id, source_type, source_id must all be non-empty")
	}
	return nil
}

// UpsertDocument writes a document by its natural key. A new row with
// embeddable content starts pending; empty content goes straight to complete
// with no embedding attempt. On conflict the latest content and metadata win,
// and a content change re-arms embedding generation (status back to pending,
// stored vector dropped) while the retry count carries over: it is never
// reset within the life of a row.
func (s *Store) UpsertDocument(ctx context.Context, p UpsertDocumentParams) (*Document, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	metadataJSON := "{}"
	if p.Metadata != nil {
		data, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadataJSON = string(data)
	}
	insertStatus := EmbeddingPending
	if p.Content == "" {
		insertStatus = EmbeddingComplete
	}

	var doc *Document
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (
				id, owner_id, source_type, source_id, content, metadata,
				embedding_status, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(owner_id, source_type, source_id) DO UPDATE SET
				content = excluded.content,
				metadata = excluded.metadata,
				embedding = CASE
					WHEN documents.content = excluded.content THEN documents.embedding
					ELSE NULL
				END,
				embedding_status = CASE
					WHEN documents.content = excluded.content THEN documents.embedding_status
					ELSE excluded.embedding_status
				END,
				updated_at = CURRENT_TIMESTAMP;
		`, uuid.NewString(), p.OwnerID, p.SourceType, p.SourceID, p.Content, metadataJSON, insertStatus); err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		got, err := s.GetDocumentByKey(ctx, p.OwnerID, p.SourceType, p.SourceID)
		if err != nil {
			return fmt.Errorf("reload upserted document: %w", err)
		}
		doc = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicDocumentUpserted, bus.DocumentEvent{
		DocumentID: doc.ID, OwnerID: doc.OwnerID,
		SourceType: doc.SourceType, SourceID: doc.SourceID,
		Status: string(doc.EmbeddingStatus), RetryCount: doc.EmbeddingRetryCount,
	})
	return doc, nil
}

// BulkUpsertDocuments applies many upserts in one transaction for backfill
// runs. Embedding generation is left to the retry sweep.
func (s *Store) BulkUpsertDocuments(ctx context.Context, batch []UpsertDocumentParams) (int, error) {
	for _, p := range batch {
		if err := p.validate(); err != nil {
			return 0, err
		}
	}
	var written int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bulk upsert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		written = 0
		for _, p := range batch {
			metadataJSON := "{}"
			if p.Metadata != nil {
				data, mErr := json.Marshal(p.Metadata)
				if mErr != nil {
					return fmt.Errorf("encode metadata for %s/%s: %w", p.SourceType, p.SourceID, mErr)
				}
				metadataJSON = string(data)
			}
			insertStatus := EmbeddingPending
			if p.Content == "" {
				insertStatus = EmbeddingComplete
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO documents (
					id, owner_id, source_type, source_id, content, metadata,
					embedding_status, created_at, updated_at
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
				ON CONFLICT(owner_id, source_type, source_id) DO UPDATE SET
					content = excluded.content,
					metadata = excluded.metadata,
					embedding = CASE
						WHEN documents.content = excluded.content THEN documents.embedding
						ELSE NULL
					END,
					embedding_status = CASE
						WHEN documents.content = excluded.content THEN documents.embedding_status
						ELSE excluded.embedding_status
					END,
					updated_at = CURRENT_TIMESTAMP;
			`, uuid.NewString(), p.OwnerID, p.SourceType, p.SourceID, p.Content, metadataJSON, insertStatus); err != nil {
				return fmt.Errorf("bulk upsert %s/%s: %w", p.SourceType, p.SourceID, err)
			}
			written++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// MarkEmbeddingComplete stores the generated vector and clears failure state.
// Prior retry bookkeeping stays on the row as history.
func (s *Store) MarkEmbeddingComplete(ctx context.Context, documentID string, vector []float32) error {
	encoded, err := EncodeEmbedding(vector)
	if err != nil {
		return err
	}
	var ownerID string
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE documents
			SET embedding = ?,
				embedding_status = ?,
				embedding_generated_at = CURRENT_TIMESTAMP,
				embedding_error = NULL,
				next_embedding_attempt_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, encoded, EmbeddingComplete, documentID)
		if execErr != nil {
			return fmt.Errorf("mark embedding complete: %w", execErr)
		}
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			return fmt.Errorf("mark embedding complete rows: %w", raErr)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return s.db.QueryRowContext(ctx, `SELECT owner_id FROM documents WHERE id = ?;`, documentID).Scan(&ownerID)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicEmbeddingComplete, bus.DocumentEvent{
		DocumentID: documentID, OwnerID: ownerID, Status: string(EmbeddingComplete),
	})
	return nil
}

// MarkEmbeddingFailed records a failed embedding attempt. Below the retry
// limit the document goes to failed with a retry scheduled at nextAttempt;
// reaching the limit flips it to permanently_failed, which no sweep revisits.
func (s *Store) MarkEmbeddingFailed(ctx context.Context, documentID, errMsg string, nextAttempt time.Time) (retryCount int, exhausted bool, err error) {
	var ownerID string
	var changed bool
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin embedding failure tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var status EmbeddingStatus
		if scanErr := tx.QueryRowContext(ctx, `
			SELECT owner_id, embedding_status, embedding_retry_count
			FROM documents WHERE id = ?;
		`, documentID).Scan(&ownerID, &status, &retryCount); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select document for failure: %w", scanErr)
		}
		if status == EmbeddingPermanentlyFailed || status == EmbeddingComplete {
			exhausted = status == EmbeddingPermanentlyFailed
			changed = false
			return tx.Commit()
		}
		changed = true

		retryCount++
		exhausted = retryCount >= s.embeddingRetryLimit
		newStatus := EmbeddingFailed
		nextAttemptValue := sql.NullTime{Valid: true, Time: nextAttempt.UTC()}
		if exhausted {
			newStatus = EmbeddingPermanentlyFailed
			nextAttemptValue = sql.NullTime{}
		}

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE documents
			SET embedding_status = ?,
				embedding_retry_count = ?,
				embedding_failed_at = CURRENT_TIMESTAMP,
				embedding_error = ?,
				next_embedding_attempt_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, newStatus, retryCount, errMsg, nextAttemptValue, documentID); execErr != nil {
			return fmt.Errorf("mark embedding failed: %w", execErr)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	if changed {
		topic := bus.TopicEmbeddingFailed
		if exhausted {
			topic = bus.TopicEmbeddingExhausted
		}
		s.publish(topic, bus.DocumentEvent{
			DocumentID: documentID, OwnerID: ownerID,
			Status: statusForRetry(exhausted), RetryCount: retryCount,
		})
	}
	return retryCount, exhausted, nil
}

func statusForRetry(exhausted bool) string {
	if exhausted {
		return string(EmbeddingPermanentlyFailed)
	}
	return string(EmbeddingFailed)
}

const documentColumns = `id, owner_id, source_type, source_id, content, metadata,
	embedding, embedding_status, embedding_retry_count,
	embedding_generated_at, embedding_failed_at, embedding_error,
	next_embedding_attempt_at, created_at, updated_at`

func scanDocument(scan func(dest ...any) error, doc *Document) error {
	var embedding, embErr sql.NullString
	var generatedAt, failedAt, nextAttempt sql.NullTime
	if err := scan(
		&doc.ID, &doc.OwnerID, &doc.SourceType, &doc.SourceID, &doc.Content, &doc.Metadata,
		&embedding, &doc.EmbeddingStatus, &doc.EmbeddingRetryCount,
		&generatedAt, &failedAt, &embErr,
		&nextAttempt, &doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return err
	}
	doc.Embedding = embedding.String
	doc.EmbeddingError = embErr.String
	if generatedAt.Valid {
		t := generatedAt.Time
		doc.EmbeddingGeneratedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		doc.EmbeddingFailedAt = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		doc.NextEmbeddingAttemptAt = &t
	}
	return nil
}

// GetDocument fetches one document by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	var doc Document
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE id = ?;
	`, documentID)
	if err := scanDocument(row.Scan, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetDocumentByKey fetches one document by its natural key.
func (s *Store) GetDocumentByKey(ctx context.Context, ownerID, sourceType, sourceID string) (*Document, error) {
	var doc Document
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE owner_id = ? AND source_type = ? AND source_id = ?;
	`, ownerID, sourceType, sourceID)
	if err := scanDocument(row.Scan, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get document by key: %w", err)
	}
	return &doc, nil
}

// DeleteDocumentByKey removes a document when its source fact was deleted
// upstream.
func (s *Store) DeleteDocumentByKey(ctx context.Context, ownerID, sourceType, sourceID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM documents WHERE owner_id = ? AND source_type = ? AND source_id = ?;
		`, ownerID, sourceType, sourceID)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
}

// ListEmbeddingRetryDue returns documents the retry sweep should attempt:
// still pending (never embedded), or failed with the backoff window elapsed.
// Permanently failed documents are never returned.
func (s *Store) ListEmbeddingRetryDue(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE embedding_status = ?
		   OR (embedding_status = ? AND (next_embedding_attempt_at IS NULL OR next_embedding_attempt_at <= CURRENT_TIMESTAMP))
		ORDER BY updated_at ASC
		LIMIT ?;
	`, EmbeddingPending, EmbeddingFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list embedding retries: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var doc Document
		if err := scanDocument(rows.Scan, &doc); err != nil {
			return nil, fmt.Errorf("scan retry candidate: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("retry candidate rows: %w", err)
	}
	return out, nil
}

// SearchCandidates returns an owner's embedded documents for similarity
// scoring, optionally filtered by source types. The caller scores vectors;
// this only narrows the candidate set.
func (s *Store) SearchCandidates(ctx context.Context, ownerID string, sourceTypes []string, limit int) ([]Document, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id must be non-empty")
	}
	if limit <= 0 || limit > 2000 {
		limit = 1000
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE owner_id = ? AND embedding_status = ? AND embedding IS NOT NULL`
	args := []any{ownerID, EmbeddingComplete}
	if len(sourceTypes) > 0 {
		query += ` AND source_type IN (?` + repeatPlaceholder(len(sourceTypes)-1) + `)`
		for _, st := range sourceTypes {
			args = append(args, st)
		}
	}
	query += `
		ORDER BY updated_at DESC
		LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var doc Document
		if err := scanDocument(rows.Scan, &doc); err != nil {
			return nil, fmt.Errorf("scan search candidate: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search candidate rows: %w", err)
	}
	return out, nil
}

func repeatPlaceholder(n int) string {
	var b []byte
	for i := 0; i < n; i++ {
		b = append(b, ',', ' ', '?')
	}
	return string(b)
}

// DocumentCounts reports index health by embedding status.
func (s *Store) DocumentCounts(ctx context.Context, ownerID string) (map[EmbeddingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT embedding_status, COUNT(1) FROM documents
		WHERE owner_id = ?
		GROUP BY embedding_status;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("document counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[EmbeddingStatus]int)
	for rows.Next() {
		var status EmbeddingStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
