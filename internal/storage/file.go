// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/gamecode-chat/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore persists each conversation as one JSON file under a base
// directory. A secondary index (id to listing ref) is built once at open
// and maintained on every save and delete, so listing never re-reads every
// record from disk.
type FileStore struct {
	mu sync.RWMutex

	baseDir string
	index   map[string]Ref

	// MaxConversations caps stored conversations (0 = unlimited). When the
	// cap is exceeded the oldest records are removed after a save.
	MaxConversations int
}

// NewFileStore creates a file store rooted at baseDir and builds the
// listing index from the records already present.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	s := &FileStore{
		baseDir:          baseDir,
		index:            make(map[string]Ref),
		MaxConversations: 100,
	}
	if err := s.buildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// buildIndex scans the base directory once at open. Corrupted files are
// skipped rather than failing the whole store.
func (s *FileStore) buildIndex() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		record, err := s.readRecord(id)
		if err != nil {
			continue
		}
		s.index[id] = refOf(record)
	}
	return nil
}

// Save implements Store.
func (s *FileStore) Save(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash.
	if err := util.AtomicWriteFile(s.filePath(record.ID), data, 0644); err != nil {
		return err
	}

	s.index[record.ID] = refOf(record)

	if s.MaxConversations > 0 {
		s.enforceLimit()
	}
	return nil
}

// enforceLimit removes the oldest records when over the cap. Lock held.
func (s *FileStore) enforceLimit() {
	if len(s.index) <= s.MaxConversations {
		return
	}

	refs := make([]Ref, 0, len(s.index))
	for _, ref := range s.index {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ModifiedAt.Before(refs[j].ModifiedAt)
	})

	excess := len(refs) - s.MaxConversations
	for i := 0; i < excess; i++ {
		os.Remove(s.filePath(refs[i].ID))
		delete(s.index, refs[i].ID)
	}
}

// Load implements Store.
func (s *FileStore) Load(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readRecord(id)
}

// readRecord reads and decodes one record file.
func (s *FileStore) readRecord(id string) (Record, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// List implements Store. The maintained index makes this a memory-only
// operation.
func (s *FileStore) List(limit int) ([]Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]Ref, 0, len(s.index))
	for _, ref := range s.index {
		refs = append(refs, ref)
	}
	return sortAndCap(refs, limit), nil
}

// Delete implements Store.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	delete(s.index, id)
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.index {
		if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(s.index, id)
	}
	return nil
}

// Close implements Store. The file backend holds no open resources.
func (s *FileStore) Close() error {
	return nil
}

// filePath returns the record file path for an id.
func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}
