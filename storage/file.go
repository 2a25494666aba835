package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eddielth/lora-trans/logger"
)

// rejectedDir collects entries that were not published
const rejectedDir = "_rejected"

// FileStorage writes one JSON file per entry
type FileStorage struct {
	basePath string
}

// fileEntry keeps the published document verbatim instead of base64
type fileEntry struct {
	Entry
	Document json.RawMessage `json:"document,omitempty"`
	Raw      string          `json:"raw,omitempty"`
}

// NewFileStorage
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Store save entry to file
func (fs *FileStorage) Store(_ context.Context, entry Entry) error {
	dir := filepath.Join(fs.basePath, safeDirName(entry.DeviceName))
	if entry.Rejected() {
		dir = filepath.Join(fs.basePath, rejectedDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}

	timestamp := entry.ReceivedAt.Format("20060102-150405.000")
	filename := filepath.Join(dir, fmt.Sprintf("%s-%s.json", timestamp, entry.MessageID))

	fe := fileEntry{Entry: entry, Raw: string(entry.Raw)}
	if len(entry.Document) > 0 {
		fe.Document = json.RawMessage(entry.Document)
	}
	jsonData, err := json.MarshalIndent(fe, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize entry failed: %w", err)
	}

	if err := os.WriteFile(filename, jsonData, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("has stored entry to file: %s", filename)
	return nil
}

// safeDirName keeps device names from escaping the base path
func safeDirName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_unnamed"
	}
	return name
}

// Close implement StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}
