// Package scanner turns a directory of audio files into a book definition.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
)

var logger = log.For("scanner")

// SupportedExtensions are the audio file extensions we recognize
var SupportedExtensions = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".m4b":  true,
	".aac":  true,
	".ogg":  true,
	".opus": true,
	".flac": true,
	".wav":  true,
}

// coverNames are checked in order in the book directory and its parent
var coverNames = []string{
	"cover.jpg", "cover.png",
	"folder.jpg", "folder.png",
	"front.jpg", "front.png",
	"Cover.jpg", "Cover.png",
	"Folder.jpg", "Folder.png",
}

// Probe is what the scanner needs to know about one file
type Probe struct {
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
	Chapters []Mark
}

// Mark is a chapter embedded in one file
type Mark struct {
	Title string
	Start time.Duration
	End   time.Duration
}

// Prober reads tags and duration from an audio file
type Prober interface {
	Probe(path string) (Probe, error)
}

// ProberFunc adapts a function to Prober
type ProberFunc func(path string) (Probe, error)

func (f ProberFunc) Probe(path string) (Probe, error) { return f(path) }

// ScanBook builds a book from the audio files directly inside dir, ordered
// by the numbers in their names. Files that cannot be probed are skipped.
func ScanBook(dir string, prober Prober) (types.Book, error) {
	entries, err := filesystem.API().ReadDir(dir)
	if err != nil {
		return types.Book{}, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	files := lo.FilterMap(entries, func(e os.FileInfo, _ int) (string, bool) {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			return "", false
		}
		return e.Name(), SupportedExtensions[strings.ToLower(filepath.Ext(e.Name()))]
	})
	if len(files) == 0 {
		return types.Book{}, fmt.Errorf("no audio files in %s", dir)
	}
	sort.SliceStable(files, func(i, j int) bool { return naturalLess(files[i], files[j]) })

	book := types.Book{
		ID:    Slug(filepath.Base(dir)),
		Title: filepath.Base(dir),
	}

	var chapters []types.Chapter
	marked := false
	for i, name := range files {
		path := filepath.Join(dir, name)
		probe, err := prober.Probe(path)
		if err != nil {
			logger.WithError(err).Warnf("skipping %s", path)
			continue
		}
		if i == 0 || book.Author == "" {
			if probe.Album != "" {
				book.Title = probe.Album
			}
			book.Author = probe.Artist
		}

		title := probe.Title
		if title == "" {
			title = strings.TrimSuffix(name, filepath.Ext(name))
		}
		track := types.Track{
			Key:      fmt.Sprintf("%03d", len(book.Tracks)+1),
			Title:    title,
			Path:     path,
			Duration: probe.Duration.Seconds(),
		}
		book.Tracks = append(book.Tracks, track)

		if len(probe.Chapters) > 0 {
			marked = true
		}
		chapters = append(chapters, trackChapters(track, probe.Chapters, len(chapters))...)
	}

	if len(book.Tracks) == 0 {
		return types.Book{}, fmt.Errorf("no playable audio files in %s", dir)
	}
	// without embedded markers the engine falls back to one chapter per track
	if marked {
		book.Chapters = chapters
	}

	book.CoverURL = FindCover(dir)
	logger.Infof("scanned %q: %d tracks", book.Title, len(book.Tracks))
	return book, nil
}

// trackChapters turns a track's markers into chapters numbered from first.
// A track without markers is one chapter.
func trackChapters(track types.Track, marks []Mark, first int) []types.Chapter {
	if len(marks) == 0 {
		return []types.Chapter{{Index: first, Title: track.Title, TrackKey: track.Key, Duration: track.Duration}}
	}
	return lo.Map(marks, func(m Mark, i int) types.Chapter {
		return types.Chapter{
			Index:    first + i,
			Title:    m.Title,
			TrackKey: track.Key,
			Offset:   m.Start.Seconds(),
			Duration: (m.End - m.Start).Seconds(),
		}
	})
}

// FindCover looks for cover art in dir, then in its parent. It returns an
// empty string when none is found.
func FindCover(dir string) string {
	for _, d := range []string{dir, filepath.Dir(dir)} {
		for _, name := range coverNames {
			path := filepath.Join(d, name)
			if ok, _ := filesystem.API().Exists(path); ok {
				return path
			}
		}
	}
	return ""
}

var (
	numberRun = regexp.MustCompile(`\d+`)
	nonSlug   = regexp.MustCompile(`[^a-z0-9]+`)
)

// naturalLess orders "Part 2" before "Part 10"
func naturalLess(a, b string) bool {
	na, nb := numberRun.FindString(a), numberRun.FindString(b)
	if na != "" && nb != "" {
		ia, _ := strconv.Atoi(na)
		ib, _ := strconv.Atoi(nb)
		if ia != ib {
			return ia < ib
		}
	}
	return a < b
}

// Slug makes a stable book id from a directory name
func Slug(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}
