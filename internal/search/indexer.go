// Package search indexes committed transitions into Elasticsearch and reads
// an application's transition history back.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/workflow"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "application-transitions"

var ErrIndexRequestFailed = errors.New("INDEX_REQUEST_FAILED")

// TransitionDocument is the indexed form of a committed transition.
type TransitionDocument struct {
	ApplicationID     string    `json:"application_id"`
	ApplicationNumber string    `json:"application_number"`
	FromState         string    `json:"from_state"`
	ToState           string    `json:"to_state"`
	ActorID           string    `json:"actor_id"`
	Notes             string    `json:"notes,omitempty"`
	StepID            string    `json:"step_id,omitempty"`
	PriorityLevel     int       `json:"priority_level"`
	Version           int64     `json:"version"`
	Recipients        []string  `json:"recipients,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "application_id":     {"type": "keyword"},
      "application_number": {"type": "keyword"},
      "from_state":         {"type": "keyword"},
      "to_state":           {"type": "keyword"},
      "actor_id":           {"type": "keyword"},
      "notes":              {"type": "text"},
      "step_id":            {"type": "keyword"},
      "priority_level":     {"type": "integer"},
      "version":            {"type": "long"},
      "recipients":         {"type": "keyword"},
      "occurred_at":        {"type": "date"}
    }
  }
}`

// TransitionIndexer is a post-commit hook writing one document per transition.
type TransitionIndexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

var _ workflow.PostCommitHook = (*TransitionIndexer)(nil)

func NewTransitionIndexer(client *elasticsearch.Client, index string, log logger.Logger) *TransitionIndexer {
	if index == "" {
		index = DefaultIndex
	}
	return &TransitionIndexer{
		client: client,
		index:  index,
		logger: logger.ForComponent(log, "transition-indexer"),
	}
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (x *TransitionIndexer) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{x.index}}.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexRequestFailed, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: index exists check: %s", ErrIndexRequestFailed, res.Status())
	}

	res, err = esapi.IndicesCreateRequest{
		Index: x.index,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexRequestFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: create index: %s", ErrIndexRequestFailed, responseError(res))
	}

	x.logger.Info("created search index", map[string]interface{}{"index": x.index})
	return nil
}

func (x *TransitionIndexer) AfterTransition(ctx context.Context, ev workflow.TransitionEvent) error {
	doc := documentFor(ev)
	body, err := json.Marshal(doc)
	if err != nil {
		metrics.SearchIndexFailures.Inc()
		return fmt.Errorf("marshal transition document: %w", err)
	}

	res, err := esapi.IndexRequest{
		Index:      x.index,
		DocumentID: fmt.Sprintf("%s-v%d", doc.ApplicationID, doc.Version),
		Body:       bytes.NewReader(body),
	}.Do(ctx, x.client)
	if err != nil {
		metrics.SearchIndexFailures.Inc()
		return fmt.Errorf("%w: %v", ErrIndexRequestFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		metrics.SearchIndexFailures.Inc()
		return fmt.Errorf("%w: index transition: %s", ErrIndexRequestFailed, responseError(res))
	}

	x.logger.Debug("indexed transition", map[string]interface{}{
		"applicationId": doc.ApplicationID,
		"toState":       doc.ToState,
		"version":       doc.Version,
	})
	return nil
}

// History returns the indexed transitions of an application, oldest first.
func (x *TransitionIndexer) History(ctx context.Context, applicationID string, size int) ([]TransitionDocument, error) {
	if size <= 0 {
		size = 100
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"application_id": applicationID},
		},
		"sort": []interface{}{
			map[string]interface{}{"occurred_at": "asc"},
		},
	}
	body, _ := json.Marshal(query)

	res, err := esapi.SearchRequest{
		Index: []string{x.index},
		Body:  bytes.NewReader(body),
		Size:  &size,
	}.Do(ctx, x.client)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexRequestFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: search history: %s", ErrIndexRequestFailed, responseError(res))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source TransitionDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	docs := make([]TransitionDocument, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return docs, nil
}

func documentFor(ev workflow.TransitionEvent) TransitionDocument {
	doc := TransitionDocument{
		ApplicationID:     ev.Application.ID,
		ApplicationNumber: ev.Application.ApplicationNumber,
		FromState:         string(ev.From),
		ToState:           string(ev.To),
		ActorID:           ev.ActorID,
		Notes:             ev.Notes,
		PriorityLevel:     ev.Application.PriorityLevel,
		Version:           ev.Application.Version,
		OccurredAt:        ev.OccurredAt.UTC(),
	}
	if ev.Step != nil {
		doc.StepID = ev.Step.ID
	}
	for _, n := range ev.Notifications {
		doc.Recipients = append(doc.Recipients, n.Recipient.String())
	}
	return doc
}

func responseError(res *esapi.Response) string {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Sprintf("%s %s", res.Status(), strings.TrimSpace(string(b)))
}
