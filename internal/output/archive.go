package output

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

const htmlContentType = "text/html; charset=utf-8"

// HTMLArchiver stores the raw HTML of final pages in a BlobStore. Each object
// starts with comment lines naming the source URL and the scrape time.
type HTMLArchiver struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
	prefix string
}

// NewHTMLArchiver returns an archiver writing under prefix (default "html").
// hasher may be nil, in which case object names carry only the record ID.
func NewHTMLArchiver(store crawler.BlobStore, hasher crawler.Hasher, clock crawler.Clock, prefix string) *HTMLArchiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "html"
	}
	return &HTMLArchiver{
		store:  store,
		hasher: hasher,
		clock:  clock,
		prefix: prefix,
	}
}

// Archive writes body for record and returns the object URI.
func (a *HTMLArchiver) Archive(ctx context.Context, record crawler.Record, body []byte) (string, error) {
	if a.store == nil {
		return "", fmt.Errorf("archive store is not configured")
	}
	name, err := a.objectPath(record, body)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 128)
	fmt.Fprintf(&buf, "<!-- Source URL: %s -->\n", record.URL)
	fmt.Fprintf(&buf, "<!-- Scraped at: %s -->\n", a.scrapedAt(record).Format(time.RFC3339Nano))
	buf.Write(body)

	uri, err := a.store.PutObject(ctx, name, htmlContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	return uri, nil
}

func (a *HTMLArchiver) objectPath(record crawler.Record, body []byte) (string, error) {
	id := SafeName(record.ID)
	if id == "" {
		id = "record"
	}
	if a.hasher == nil {
		return fmt.Sprintf("%s/%s.html", a.prefix, id), nil
	}
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	return fmt.Sprintf("%s/%s-%s.html", a.prefix, id, digest), nil
}

func (a *HTMLArchiver) scrapedAt(record crawler.Record) time.Time {
	if !record.ScrapedAt.IsZero() {
		return record.ScrapedAt.UTC()
	}
	if a.clock != nil {
		return a.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// SafeName keeps only ASCII letters, digits, '-' and '_'.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

var _ crawler.Archiver = (*HTMLArchiver)(nil)
