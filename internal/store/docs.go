package store

import (
	"encoding/json"
	"fmt"
	"time"

	"membria/internal/types"
)

// AddDocument persists one embedded chunk.
func (s *GraphStore) AddDocument(doc *types.Document) error {
	if doc.FilePath == "" || doc.Content == "" {
		return fmt.Errorf("%w: document requires file_path and content", types.ErrInvalidArgument)
	}
	if err := doc.Namespace.Validate(); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = types.NewDocumentID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO documents (id, tenant_id, team_id, project_id, file_path, content, doc_type, embedding, chunk_index, chunk_total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Namespace.TenantID, doc.Namespace.TeamID, doc.Namespace.ProjectID,
		doc.FilePath, doc.Content, doc.DocType, marshalJSON(doc.Embedding),
		doc.ChunkIndex, doc.ChunkTotal, doc.CreatedAt,
	)
	return classify("add document", err)
}

// GetDocuments loads chunks by id, preserving the requested order.
func (s *GraphStore) GetDocuments(ns types.Namespace, ids []string) ([]*types.Document, error) {
	out := make([]*types.Document, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		row := s.db.QueryRow(
			`SELECT id, tenant_id, team_id, project_id, file_path, content, COALESCE(doc_type,''),
				COALESCE(embedding,''), chunk_index, chunk_total, created_at
			 FROM documents WHERE id = ?`+nsWhere,
			append([]interface{}{id}, nsArgs(ns)...)...,
		)
		var doc types.Document
		var emb string
		err := row.Scan(
			&doc.ID, &doc.Namespace.TenantID, &doc.Namespace.TeamID, &doc.Namespace.ProjectID,
			&doc.FilePath, &doc.Content, &doc.DocType, &emb,
			&doc.ChunkIndex, &doc.ChunkTotal, &doc.CreatedAt,
		)
		s.mu.RUnlock()
		if err != nil {
			continue
		}
		if emb != "" {
			_ = json.Unmarshal([]byte(emb), &doc.Embedding)
		}
		out = append(out, &doc)
	}
	return out, nil
}

// AddDocShot snapshots a set of documents. DocShots are immutable: there
// is no update path, and INCLUDES edges are written for each chunk.
func (s *GraphStore) AddDocShot(ds *types.DocShot) error {
	if len(ds.DocumentIDs) == 0 {
		return fmt.Errorf("%w: docshot requires at least one document", types.ErrInvalidArgument)
	}
	if err := ds.Namespace.Validate(); err != nil {
		return err
	}
	if ds.ID == "" {
		ds.ID = types.NewDocShotID()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	_, err := s.db.Exec(
		`INSERT INTO docshots (id, tenant_id, team_id, project_id, document_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.Namespace.TenantID, ds.Namespace.TeamID, ds.Namespace.ProjectID,
		marshalJSON(ds.DocumentIDs), ds.CreatedAt,
	)
	s.mu.Unlock()
	if err != nil {
		return classify("add docshot", err)
	}

	for _, docID := range ds.DocumentIDs {
		if err := s.AddEdge(ds.ID, types.EdgeIncludes, docID, nil); err != nil {
			return err
		}
	}
	return nil
}

// GetDocShot loads a snapshot by id.
func (s *GraphStore) GetDocShot(ns types.Namespace, id string) (*types.DocShot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ds types.DocShot
	var docIDs string
	err := s.db.QueryRow(
		`SELECT id, tenant_id, team_id, project_id, document_ids, created_at FROM docshots WHERE id = ?`+nsWhere,
		append([]interface{}{id}, nsArgs(ns)...)...,
	).Scan(&ds.ID, &ds.Namespace.TenantID, &ds.Namespace.TeamID, &ds.Namespace.ProjectID, &docIDs, &ds.CreatedAt)
	if err != nil {
		return nil, classify("get docshot "+id, err)
	}
	ds.DocumentIDs = unmarshalStrings(docIDs)
	return &ds, nil
}
