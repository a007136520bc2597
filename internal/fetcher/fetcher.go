// Package fetcher downloads remote design documents with per-host rate
// limiting, retries and circuit breaking.
package fetcher

import (
	"context"
)

// Document is a fetched remote resource.
type Document struct {
	URL         string
	Body        []byte
	ContentType string
	ETag        string
}

// Fetcher defines the interface for downloading remote documents.
type Fetcher interface {
	// Fetch downloads the URL in full.
	Fetch(ctx context.Context, url string) (*Document, error)
}
