package registry

import (
	"fmt"
	"io"

	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"gopkg.in/yaml.v3"
)

// Catalog is the YAML document accepted by Import
type Catalog struct {
	Books []CatalogBook `yaml:"books"`
}

// CatalogBook is one book in a catalog
type CatalogBook struct {
	types.Book `yaml:",inline"`
	State      string           `yaml:"state,omitempty"`
	Chapters   []CatalogChapter `yaml:"chapters,omitempty"`
}

// CatalogChapter is one chapter in a catalog
type CatalogChapter struct {
	Title    string  `yaml:"title"`
	Track    string  `yaml:"track"`
	Offset   float64 `yaml:"offset,omitempty"`
	Duration float64 `yaml:"duration,omitempty"`
}

// ParseCatalog decodes a YAML catalog
func ParseCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return c, nil
}

// Import saves every book of the catalog and returns how many were written.
// Books without a state are registered as downloadSuccessful.
func (s *Store) Import(c Catalog) (int, error) {
	for i, cb := range c.Books {
		book := cb.Book
		for idx, ch := range cb.Chapters {
			book.Chapters = append(book.Chapters, types.Chapter{
				Index:    idx,
				Title:    ch.Title,
				TrackKey: ch.Track,
				Offset:   ch.Offset,
				Duration: ch.Duration,
			})
		}

		state := types.BookDownloadSuccessful
		if cb.State != "" {
			state = types.ParseBookState(cb.State)
		}
		if err := s.SaveBook(book, state); err != nil {
			return i, err
		}
	}
	logger.Infof("imported %d books", len(c.Books))
	return len(c.Books), nil
}
