// Package memtest is an in-memory blobstore.Gateway double for tests in
// internal/ingest, internal/acquire, and internal/manage that need a
// blob store without a real S3-compatible endpoint.
package memtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"pushd.sh/pushd/internal/apperr"
)

// Gateway is an in-memory blobstore.Gateway.
type Gateway struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	histories map[string][]byte

	// URLPrefix lets tests assert on GetBlobURL's shape.
	URLPrefix string
}

// New returns an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{
		blobs:     map[string][]byte{},
		histories: map[string][]byte{},
		URLPrefix: "https://blobs.test/",
	}
}

func (g *Gateway) PutBlob(_ context.Context, blobID string, r io.Reader, size int64, _ string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[blobID] = body
	return nil
}

func (g *Gateway) GetBlobURL(_ context.Context, blobID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.blobs[blobID]; !ok {
		return "", apperr.New(apperr.NotFound, "no such blob %q", blobID)
	}
	return fmt.Sprintf("%s%s", g.URLPrefix, blobID), nil
}

func (g *Gateway) DeleteBlob(_ context.Context, blobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blobs, blobID)
	return nil
}

func (g *Gateway) PutHistorySnapshot(_ context.Context, deploymentID string, body []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.histories[deploymentID] = append([]byte(nil), body...)
	return nil
}

func (g *Gateway) GetHistorySnapshot(_ context.Context, deploymentID string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	body, ok := g.histories[deploymentID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no history snapshot for deployment %q", deploymentID)
	}
	return body, nil
}

func (g *Gateway) HealthCheck(context.Context) error {
	return nil
}

// Has reports whether blobID is currently stored (stored and not since
// deleted), for test assertions.
func (g *Gateway) Has(blobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blobs[blobID]
	return ok
}

// Blob returns blobID's stored bytes, for test assertions.
func (g *Gateway) Blob(blobID string) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return bytes.Clone(g.blobs[blobID])
}
