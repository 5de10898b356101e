// Package bookmarksync talks to the remote bookmark sync service: it reads
// the most recent listening position of a book and posts new ones, parking
// posts that could not reach the server in an offline queue.
package bookmarksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

var logger = log.For("sync")

// ErrStatus is wrapped by errors for non-2xx responses
var ErrStatus = errors.New("unexpected status")

// Client is a bookmark sync service client. A client with an empty base URL
// is disabled: fetches find nothing and pushes are dropped.
type Client struct {
	baseURL string
	device  string
	http    *http.Client
	queue   *Queue
}

// NewClient creates a client. queue may be nil.
func NewClient(baseURL, device string, timeout time.Duration, queue *Queue) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		device:  device,
		http:    &http.Client{Timeout: timeout},
		queue:   queue,
	}
}

// Enabled reports whether a sync service is configured
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) annotationsURL(bookID string) string {
	u := c.baseURL + "/annotations/"
	if bookID != "" {
		u += url.PathEscape(bookID) + "?motivation=" + MotivationListening
	}
	return u
}

// FetchRemotePosition returns the newest listening position the server
// holds for book
func (c *Client) FetchRemotePosition(ctx context.Context, book types.Book) (mo.Option[types.PlaybackPosition], error) {
	none := mo.None[types.PlaybackPosition]()
	if !c.Enabled() {
		return none, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.annotationsURL(book.ID), nil)
	if err != nil {
		return none, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return none, fmt.Errorf("fetch position for %s: %w", book.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return none, nil
	}
	if resp.StatusCode/100 != 2 {
		return none, fmt.Errorf("fetch position for %s: %w %d", book.ID, ErrStatus, resp.StatusCode)
	}

	var annotations []Annotation
	if err := json.NewDecoder(resp.Body).Decode(&annotations); err != nil {
		return none, fmt.Errorf("decode annotations for %s: %w", book.ID, err)
	}

	listening := lo.Filter(annotations, func(a Annotation, _ int) bool {
		return a.Motivation == MotivationListening && a.Target.Source == book.ID
	})
	if len(listening) == 0 {
		return none, nil
	}

	newest := lo.MaxBy(listening, func(a, b Annotation) bool { return a.Created.After(b.Created) })
	pos, err := newest.Position()
	if err != nil {
		return none, err
	}
	return mo.Some(pos), nil
}

// PushPosition posts a listening position. When the server cannot be
// reached the annotation is queued for a later Retry and the transport
// error is still returned.
func (c *Client) PushPosition(ctx context.Context, pos types.PlaybackPosition) error {
	if !c.Enabled() {
		return nil
	}

	a, err := newAnnotation(c.device, pos)
	if err != nil {
		return err
	}

	err = c.post(ctx, a)
	var netErr *url.Error
	if err != nil && errors.As(err, &netErr) && c.queue != nil {
		if qerr := c.queue.Add(a); qerr != nil {
			logger.WithError(qerr).Error("failed to queue position")
		} else {
			logger.Infof("queued position for %s while offline", pos.BookID)
		}
	}
	return err
}

func (c *Client) post(ctx context.Context, a Annotation) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.annotationsURL(""), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post position for %s: %w %d", a.Target.Source, ErrStatus, resp.StatusCode)
	}
	return nil
}

// RetryQueued re-posts queued annotations. Entries that still fail stay
// queued.
func (c *Client) RetryQueued(ctx context.Context) (sent int, err error) {
	if !c.Enabled() || c.queue == nil {
		return 0, nil
	}
	return c.queue.Drain(func(a Annotation) error { return c.post(ctx, a) })
}
