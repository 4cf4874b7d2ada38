package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fireside/connect-client-go/internal/model"
	"github.com/fireside/connect-client-go/internal/util"
)

// FileStore writes the record to a device-local file, AES-256-GCM encrypted
// at rest when a key is configured.
type FileStore struct {
	path   string
	hexKey string // empty means plaintext
}

func NewFileStore(path, hexKey string) *FileStore {
	return &FileStore{path: path, hexKey: hexKey}
}

func (s *FileStore) Load(ctx context.Context) (*model.SessionRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	payload := string(data)
	if s.hexKey != "" {
		payload, err = util.Decrypt(s.hexKey, payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt session record: %w", err)
		}
	}

	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

func (s *FileStore) Save(ctx context.Context, rec *model.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	payload := string(data)
	if s.hexKey != "" {
		payload, err = util.Encrypt(s.hexKey, payload)
		if err != nil {
			return fmt.Errorf("encrypt session record: %w", err)
		}
	}

	if err := os.WriteFile(s.path, []byte(payload), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
