// Package doccache remembers every protocol that has been processed, keyed
// by the fingerprint of its normalized text.
package doccache

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/store"
)

// ErrAlreadyRecorded is returned by Record when the text's fingerprint is
// already cached.
var ErrAlreadyRecorded = eris.New("doccache: document already recorded")

// Cache is the processed-document cache backed by a store.Store.
type Cache struct {
	store store.Store

	// Now stamps ProcessedAt. Tests replace it.
	Now func() time.Time
}

// New creates a Cache.
func New(st store.Store) *Cache {
	return &Cache{store: st, Now: func() time.Time { return time.Now().UTC() }}
}

// Lookup returns the cached document for text, or nil on a miss.
func (c *Cache) Lookup(ctx context.Context, text string) (*model.ProcessedDocument, error) {
	return c.Get(ctx, FingerprintText(text))
}

// Get returns the cached document by fingerprint, or nil.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*model.ProcessedDocument, error) {
	doc, err := c.store.GetDocument(ctx, fingerprint)
	if err != nil {
		return nil, eris.Wrapf(err, "doccache: get %s", fingerprint)
	}
	return doc, nil
}

// Record stores the outcome of processing text and returns its fingerprint.
// The raw text is kept alongside the outcomes.
func (c *Cache) Record(ctx context.Context, text, title string, outcomes []model.PersonOutcome) (string, error) {
	fp := FingerprintText(text)
	if outcomes == nil {
		outcomes = []model.PersonOutcome{}
	}
	err := c.store.InsertDocument(ctx, model.ProcessedDocument{
		Fingerprint: fp,
		Title:       title,
		ProcessedAt: c.Now().UTC().Truncate(time.Microsecond),
		Outcomes:    outcomes,
		Text:        text,
	})
	if errors.Is(err, store.ErrDocumentExists) {
		return fp, eris.Wrapf(ErrAlreadyRecorded, "fingerprint %s", fp)
	}
	if err != nil {
		return fp, eris.Wrap(err, "doccache: record")
	}
	return fp, nil
}

// PersonCourses returns every course any recorded document assigned or
// renewed for the person.
func (c *Cache) PersonCourses(ctx context.Context, personID string) ([]string, error) {
	courses, err := c.store.DocumentCourses(ctx, personID)
	return courses, eris.Wrap(err, "doccache: person courses")
}

// List returns recent documents without their raw text.
func (c *Cache) List(ctx context.Context, limit int) ([]model.ProcessedDocument, error) {
	docs, err := c.store.ListDocuments(ctx, limit)
	return docs, eris.Wrap(err, "doccache: list")
}
