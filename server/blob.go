package server

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// BlobState tracks where a blob is in its operation lifecycle.
type BlobState int

const (
	BlobIdle BlobState = iota
	BlobLoading
	BlobLoaded
	BlobSaving
	BlobSaved
	BlobDeleting
	BlobDeleted
	BlobListing
	BlobListed
)

// DispositionStream requests streamed delivery on load instead of a
// single-shot fetch.
const DispositionStream = "stream"

// Blob identifies an object by bucket and key plus the optional
// per-operation parameters that alter how it is stored or delivered.
// For saves, content is resolved from Buffer, Reader, Text or FilePath,
// in that order.
type Blob struct {
	Bucket string
	Key    string

	ContentDisposition string
	ContentEncoding    string
	ContentType        string
	CacheControl       string

	// Content sources for Save.
	Buffer   []byte
	Reader   io.Reader
	Text     string
	FilePath string

	mu         sync.Mutex
	state      BlobState
	loadStream io.ReadCloser
}

// State returns the blob's current lifecycle state.
func (b *Blob) State() BlobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Blob) setState(s BlobState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// SetLoading marks the blob as having a load in flight.
func (b *Blob) SetLoading() { b.setState(BlobLoading) }

// SetLoaded marks the blob's load as complete.
func (b *Blob) SetLoaded() { b.setState(BlobLoaded) }

// SetSaving marks the blob as having a save in flight.
func (b *Blob) SetSaving() { b.setState(BlobSaving) }

// SetSaved marks the blob's save as complete.
func (b *Blob) SetSaved() { b.setState(BlobSaved) }

// SetDeleting marks the blob as having a delete in flight.
func (b *Blob) SetDeleting() { b.setState(BlobDeleting) }

// SetDeleted marks the blob's delete as complete.
func (b *Blob) SetDeleted() { b.setState(BlobDeleted) }

// SetListing marks the blob as having a listing in flight.
func (b *Blob) SetListing() { b.setState(BlobListing) }

// SetListed marks the blob's listing as complete.
func (b *Blob) SetListed() { b.setState(BlobListed) }

// SetLoadStream records the stream a chunked load delivers through.
func (b *Blob) SetLoadStream(rc io.ReadCloser) {
	b.mu.Lock()
	b.loadStream = rc
	b.mu.Unlock()
}

// LoadStream returns the blob's live load stream, or nil if no chunked
// load has been started.
func (b *Blob) LoadStream() io.ReadCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadStream
}

// WantsStream reports whether the blob requests streamed delivery.
func (b *Blob) WantsStream() bool {
	return strings.EqualFold(b.ContentDisposition, DispositionStream)
}

// openContent resolves the blob's save content to a reader. The order
// is buffer, reader, text, then local file.
func (b *Blob) openContent() (io.ReadCloser, error) {
	switch {
	case b.Buffer != nil:
		return io.NopCloser(bytes.NewReader(b.Buffer)), nil
	case b.Reader != nil:
		if rc, ok := b.Reader.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(b.Reader), nil
	case b.Text != "":
		return io.NopCloser(strings.NewReader(b.Text)), nil
	case b.FilePath != "":
		f, err := os.Open(b.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob file: %v", err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("blob %q has no content to save", b.Key)
}
