package storage

import (
	"database/sql"
	"fmt"

	"github.com/hcp-ignite/agent/pkg/types"
)

// UploadFileStore tracks file-attachment chunks staged for batch upload.
// The batch transport itself is an external collaborator; the core only
// stages and reaps rows here.
type UploadFileStore struct {
	engine *Engine
}

// NewUploadFileStore creates the upload-file store
func NewUploadFileStore(engine *Engine) *UploadFileStore {
	return &UploadFileStore{engine: engine}
}

// Add stages one chunk
func (s *UploadFileStore) Add(f types.UploadFile) (int64, error) {
	var id int64
	err := s.engine.locked(func(db *sql.DB) error {
		res, err := db.Exec(fmt.Sprintf(
			"INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, ?)",
			TableUploadFile, ColFilePath, ColSplitID, ColIsFinalChunk, ColFileSize),
			f.FilePath, f.SplitIndex, boolToInt(f.IsFinalChunk), f.FileSize)
		if err != nil {
			return fmt.Errorf("failed to stage upload file: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// List returns all staged chunks in insertion order
func (s *UploadFileStore) List() ([]types.UploadFile, error) {
	var files []types.UploadFile
	err := s.engine.locked(func(db *sql.DB) error {
		rows, err := db.Query(fmt.Sprintf(
			"SELECT %s, %s, %s, %s, %s FROM %s ORDER BY %s ASC",
			ColID, ColFilePath, ColSplitID, ColIsFinalChunk, ColFileSize, TableUploadFile, ColID))
		if err != nil {
			return fmt.Errorf("failed to query upload files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var f types.UploadFile
			var final int
			if err := rows.Scan(&f.ID, &f.FilePath, &f.SplitIndex, &final, &f.FileSize); err != nil {
				return fmt.Errorf("failed to scan upload file: %w", err)
			}
			f.IsFinalChunk = final != 0
			files = append(files, f)
		}
		return rows.Err()
	})
	return files, err
}

// Remove deletes a staged chunk once the external transport confirms it
func (s *UploadFileStore) Remove(id int64) error {
	return s.engine.locked(func(db *sql.DB) error {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", TableUploadFile, ColID), id); err != nil {
			return fmt.Errorf("failed to remove upload file %d: %w", id, err)
		}
		return nil
	})
}

// RemoveByPath deletes every chunk staged for one file path. Used when a
// reduction policy unlinks attachments.
func (s *UploadFileStore) RemoveByPath(path string) error {
	return s.engine.locked(func(db *sql.DB) error {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", TableUploadFile, ColFilePath), path); err != nil {
			return fmt.Errorf("failed to remove upload files for %s: %w", path, err)
		}
		return nil
	})
}
