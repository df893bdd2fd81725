package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// FileSource reads captured listings from <dir>/<vendor>/<category>.json, used for
// replaying scrapes locally. A missing file yields no listings.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (s *FileSource) Fetch(_ context.Context, vendor, category string) ([]model.Listing, error) {
	path := filepath.Join(s.dir, vendor, category+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}

	var listings []model.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("ingest: decode %s: %w", path, err)
	}
	return normalizeBatch(listings, vendor, category), nil
}
