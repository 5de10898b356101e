package bookmarksync

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
)

// Queue is a file-backed list of annotations waiting to be posted, one JSON
// document per line
type Queue struct {
	path string
	mu   sync.Mutex
}

// NewQueue creates a queue stored at path
func NewQueue(path string) *Queue {
	return &Queue{path: path}
}

// Add appends an annotation
func (q *Queue) Add(a Annotation) error {
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := filesystem.API().MkdirAll(filepath.Dir(q.path), 0700); err != nil {
		return err
	}
	f, err := filesystem.API().OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// Pending returns the queued annotations, oldest first
func (q *Queue) Pending() ([]Annotation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

func (q *Queue) readLocked() ([]Annotation, error) {
	data, err := filesystem.API().ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Annotation
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var a Annotation
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			logger.WithError(err).Warn("dropping corrupt queue entry")
			continue
		}
		out = append(out, a)
	}
	return out, sc.Err()
}

// Drain hands each queued annotation to send and rewrites the queue with
// the ones that failed
func (q *Queue) Drain(send func(Annotation) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.readLocked()
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	var keep bytes.Buffer
	sent := 0
	for _, a := range pending {
		if err := send(a); err != nil {
			logger.WithError(err).Debugf("retry failed for %s", a.Target.Source)
			line, _ := json.Marshal(a)
			keep.Write(append(line, '\n'))
			continue
		}
		sent++
	}

	if keep.Len() == 0 {
		return sent, filesystem.API().Remove(q.path)
	}
	return sent, filesystem.API().WriteFile(q.path, keep.Bytes(), 0600)
}
