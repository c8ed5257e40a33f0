package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bft-labs/connbridge/internal/domain"
)

const outputFileSuffix = ".output.json"

// StateFileRepository implements ports.StateRepository with one JSON file
// per connection.
type StateFileRepository struct {
	dir string
}

// NewStateFileRepository creates a new StateFileRepository for the given directory.
func NewStateFileRepository(dir string) *StateFileRepository {
	return &StateFileRepository{dir: dir}
}

// Load retrieves the last saved output of a connection.
// Returns false and a nil error if no output file exists.
func (r *StateFileRepository) Load(ctx context.Context, connectionID string) (domain.ReplicationOutput, bool, error) {
	path, err := r.Path(connectionID)
	if err != nil {
		return domain.ReplicationOutput{}, false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ReplicationOutput{}, false, nil
		}
		return domain.ReplicationOutput{}, false, err
	}

	var output domain.ReplicationOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return domain.ReplicationOutput{}, false, fmt.Errorf("decode %s: %w", path, err)
	}

	return output, true, nil
}

// Save persists the output atomically.
func (r *StateFileRepository) Save(ctx context.Context, output domain.ReplicationOutput) error {
	path, err := r.Path(output.ConnectionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Path returns the full path to the output file of a connection.
func (r *StateFileRepository) Path(connectionID string) (string, error) {
	if err := checkConnectionID(connectionID); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, connectionID+outputFileSuffix), nil
}

func checkConnectionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: invalid connection id %q", domain.ErrInvalidConfig, id)
	}
	return nil
}

// writeFileAtomic writes to a temp file, then renames it over path so
// readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmp, path)
}
