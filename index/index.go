// Package index maintains the full-text search index over committed
// records. The index is derived state: it can always be rebuilt from the
// channel sidecars, so index failures never block the commit path.
package index

import (
	"fmt"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/pelorus-io/chantry/types"
)

// Document is a record as stored in the search index.
type Document struct {
	ID        string
	Channel   string
	ChannelID string
	Sender    string
	Body      string
	Anchor    string
	Timestamp time.Time
}

// DocID returns the index document id for a channel/ordinal pair. A
// superseding record maps to the same id as the original, so searchers
// always hit the latest version of an edited message.
func DocID(channel types.ChannelID, ordinal int64) string {
	return fmt.Sprintf("%d:%d", channel, ordinal)
}

// FromRecord converts a committed record into an index document.
func FromRecord(rec *types.MessageRecord, identifier string) Document {
	return Document{
		ID:        DocID(rec.Channel, rec.Ordinal),
		Channel:   identifier,
		ChannelID: strconv.FormatInt(int64(rec.Channel), 10),
		Sender:    rec.Sender,
		Body:      rec.Body,
		Anchor:    rec.Anchor(),
		Timestamp: rec.Timestamp,
	}
}

// Result is one search hit.
type Result struct {
	ID      string
	Channel string
	Sender  string
	Anchor  string
	Score   float64
	// Fragments holds highlighted snippets keyed by field.
	Fragments map[string][]string
}

// Index wraps the bleve index.
type Index struct {
	index bleve.Index
}

// Open opens or creates the index at path.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	bodyMapping := bleve.NewTextFieldMapping()

	// Exact-match fields: no tokenization.
	keywordMapping := bleve.NewTextFieldMapping()
	keywordMapping.Analyzer = keyword.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Body", bodyMapping)
	docMapping.AddFieldMappingsAt("Sender", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("Channel", keywordMapping)
	docMapping.AddFieldMappingsAt("ChannelID", keywordMapping)
	docMapping.AddFieldMappingsAt("Anchor", keywordMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// IndexDocument adds or replaces one document. Indexing the same id
// again is an overwrite, which makes re-indexing after watermark
// corrections idempotent.
func (i *Index) IndexDocument(doc Document) error {
	return i.index.Index(doc.ID, doc)
}

// IndexBatch adds or replaces documents in one batch commit.
func (i *Index) IndexBatch(docs []Document) error {
	batch := i.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, doc); err != nil {
			return fmt.Errorf("batch index %s: %w", doc.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Delete removes a document.
func (i *Index) Delete(id string) error {
	return i.index.Delete(id)
}

// Count returns the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// Search runs a query-string search (quotes, boolean operators, fuzzy ~)
// with highlighted fragments. A non-empty channel identifier restricts
// hits to that channel.
func (i *Index) Search(queryStr, channel string, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 20
	}

	var q query.Query = bleve.NewQueryStringQuery(queryStr)
	if channel != "" {
		chQuery := bleve.NewTermQuery(channel)
		chQuery.SetField("Channel")
		q = bleve.NewConjunctionQuery(q, chQuery)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Fields = []string{"Channel", "Sender", "Anchor"}

	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []*Result
	for _, hit := range results.Hits {
		r := &Result{
			ID:        hit.ID,
			Score:     hit.Score,
			Fragments: hit.Fragments,
		}
		if ch, ok := hit.Fields["Channel"].(string); ok {
			r.Channel = ch
		}
		if sender, ok := hit.Fields["Sender"].(string); ok {
			r.Sender = sender
		}
		if anchor, ok := hit.Fields["Anchor"].(string); ok {
			r.Anchor = anchor
		}
		hits = append(hits, r)
	}
	return hits, nil
}
