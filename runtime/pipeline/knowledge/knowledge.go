// Package knowledge defines the vector index abstraction the ingestion and
// drafting stages use. Implementations pair an embeddings provider with a
// storage backend; the reference implementation embeds with OpenAI and stores
// in Redis.
package knowledge

import (
	"context"
	"errors"
)

type (
	// Index stores document embeddings and serves similarity queries.
	// Implementations must be thread-safe.
	Index interface {
		// Upsert embeds and stores the given documents under the run's
		// namespace, replacing any prior entries with the same ids.
		Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error)

		// SimilaritySearch returns the top-k documents most similar to the
		// query, most similar first. Returns an empty slice when the
		// namespace holds no documents.
		SimilaritySearch(ctx context.Context, req SearchRequest) ([]Hit, error)
	}

	// Document is one unit of indexed content.
	Document struct {
		// ID is the caller-assigned document identifier, unique within the
		// namespace.
		ID string
		// Content is the normalized document text.
		Content string
	}

	// UpsertRequest carries the inputs for Upsert.
	UpsertRequest struct {
		// Namespace isolates one run's documents from another's.
		Namespace string
		// Documents are the documents to embed and store.
		Documents []Document
	}

	// UpsertResult reports the outcome of an Upsert.
	UpsertResult struct {
		// Count is the number of documents stored.
		Count int
	}

	// SearchRequest carries the inputs for SimilaritySearch.
	SearchRequest struct {
		// Namespace selects the document namespace to search.
		Namespace string
		// Query is the free-text query to embed and match.
		Query string
		// TopK caps the number of hits returned. Zero means the
		// implementation default.
		TopK int
	}

	// Hit is one similarity search result.
	Hit struct {
		// ID is the matched document's identifier.
		ID string
		// Content is the matched document's text.
		Content string
		// Score is the similarity score, higher is more similar.
		Score float64
	}
)

// ErrEmptyQuery indicates a similarity search was issued with no query text.
var ErrEmptyQuery = errors.New("similarity query is empty")
