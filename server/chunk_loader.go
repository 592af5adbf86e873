package server

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the bounded range size for chunked loads.
const DefaultChunkSize = 4000000

// LoaderState tracks a chunked load's progress.
type LoaderState int

const (
	LoaderStarting LoaderState = iota
	LoaderRunning
	LoaderDone
	LoaderError
)

// rangeFetcher is the slice of the S3 API the loader needs.
type rangeFetcher interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// contentRangeRegexp parses "bytes <start>-<end>/<total>".
var contentRangeRegexp = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// ChunkLoader fetches one object through successive bounded range
// reads and presents the result as a single continuous stream. The
// exposed stream is handed to the blob synchronously at construction,
// before any bytes have been fetched, so a consumer can start reading
// while later ranges are still in flight. If the first response
// declares a gzip content encoding, a decompression stage is spliced
// between the write side and the exposed stream; the consumer's handle
// never changes either way.
type ChunkLoader struct {
	blob      *Blob
	api       rangeFetcher
	bucket    string
	chunkSize int64

	// position and length are written by the driver goroutine only;
	// the mutex covers reads from other goroutines.
	mu       sync.Mutex
	state    LoaderState
	err      error
	position int64
	length   int64

	writeR   *io.PipeReader
	writeW   *io.PipeWriter
	exposedR *io.PipeReader
	exposedW *io.PipeWriter

	onComplete func(error)
	log        *logrus.Entry
}

// NewChunkLoader starts a chunked load of the blob. The blob's load
// stream is populated before NewChunkLoader returns; range fetches are
// driven in the background, strictly one at a time. onComplete fires
// exactly once, after the exposed stream has been fully delivered or
// with the terminal error.
func NewChunkLoader(ctx context.Context, api rangeFetcher, bucket string, blob *Blob, chunkSize int64, onComplete func(error)) *ChunkLoader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	l := &ChunkLoader{
		blob:       blob,
		api:        api,
		bucket:     bucket,
		chunkSize:  chunkSize,
		length:     -1,
		onComplete: onComplete,
		log: logrus.WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    blob.Key,
		}),
	}
	l.writeR, l.writeW = io.Pipe()
	l.exposedR, l.exposedW = io.Pipe()
	blob.SetLoadStream(l.exposedR)
	go l.run(ctx)
	return l
}

// State returns the loader's current state.
func (l *ChunkLoader) State() LoaderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the terminal error, or nil.
func (l *ChunkLoader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Position returns the next unread byte offset.
func (l *ChunkLoader) Position() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// Length returns the total object size, or -1 while still unknown.
func (l *ChunkLoader) Length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// nextRange computes the byte range for the next chunk request.
func (l *ChunkLoader) nextRange() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.length < 0 {
		return fmt.Sprintf("bytes=0-%d", l.chunkSize-1)
	}
	end := l.position + l.chunkSize - 1
	if max := l.length - 1; end > max {
		end = max
	}
	return fmt.Sprintf("bytes=%d-%d", l.position, end)
}

// run drives the fetch loop. Chunk N+1 is not requested until chunk N
// has been fully appended and its content range recorded.
func (l *ChunkLoader) run(ctx context.Context) {
	l.mu.Lock()
	l.state = LoaderRunning
	l.mu.Unlock()

	first := true
	for {
		out, err := l.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(l.blob.Key),
			Range:  aws.String(l.nextRange()),
		})
		if err != nil {
			// Wrapped so a missing-object signal survives for result
			// classification.
			l.fail(fmt.Errorf("failed to fetch chunk: %w", err))
			return
		}

		if first {
			l.startPump(aws.StringValue(out.ContentEncoding))
			first = false
		}

		var appended int64
		if out.Body != nil {
			appended, err = io.Copy(l.writeW, out.Body)
			out.Body.Close()
			if err != nil {
				l.fail(fmt.Errorf("failed to buffer chunk: %v", err))
				return
			}
		}

		parsed := l.recordRange(aws.StringValue(out.ContentRange), appended)
		if !parsed {
			// No parseable content range: treat this chunk as the
			// last one rather than re-requesting the same bytes.
			l.log.Warn("chunk response missing content range, ending fetch")
		}

		l.mu.Lock()
		done := !parsed || (l.length >= 0 && l.position >= l.length)
		l.mu.Unlock()
		if done {
			l.writeW.Close()
			return
		}
	}
}

// recordRange applies the response's content-range header, advancing
// the read position and fixing the total length. It reports whether
// the header parsed. The length never changes once known.
func (l *ChunkLoader) recordRange(contentRange string, appended int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m := contentRangeRegexp.FindStringSubmatch(contentRange); m != nil {
		end, endErr := strconv.ParseInt(m[2], 10, 64)
		total, totalErr := strconv.ParseInt(m[3], 10, 64)
		if endErr == nil && totalErr == nil {
			l.position = end + 1
			if l.length < 0 {
				l.length = total
			}
			return true
		}
	}
	l.position += appended
	if l.length < 0 {
		l.length = l.position
	}
	return false
}

// startPump connects the write side to the exposed stream, through a
// gzip stage when the first chunk declared that encoding. Runs once
// per fetch. The exposed stream closes when the pump drains, which may
// trail the write side's close while gzip flushes.
func (l *ChunkLoader) startPump(contentEncoding string) {
	gzipped := strings.EqualFold(contentEncoding, "gzip")
	go func() {
		var src io.Reader = l.writeR
		if gzipped {
			zr, err := gzip.NewReader(l.writeR)
			if err != nil {
				l.fail(fmt.Errorf("failed to open gzip stream: %v", err))
				return
			}
			defer zr.Close()
			src = zr
		}
		if _, err := io.Copy(l.exposedW, src); err != nil {
			l.fail(fmt.Errorf("failed to deliver stream: %v", err))
			return
		}
		l.exposedW.Close()
		l.finish()
	}()
}

// fail transitions to the error state, at most once. Both internal
// streams are closed so a blocked consumer or producer unblocks with
// the terminal error.
func (l *ChunkLoader) fail(err error) {
	l.mu.Lock()
	if l.state == LoaderDone || l.state == LoaderError {
		l.mu.Unlock()
		return
	}
	l.state = LoaderError
	l.err = err
	l.mu.Unlock()

	l.log.Errorf("chunked load failed: %v", err)
	// Completion runs before the pipes are torn down so a reader woken
	// by the close already observes the terminal classification.
	if l.onComplete != nil {
		l.onComplete(err)
	}
	l.writeW.CloseWithError(err)
	l.exposedW.CloseWithError(err)
}

// finish transitions to done, at most once.
func (l *ChunkLoader) finish() {
	l.mu.Lock()
	if l.state == LoaderDone || l.state == LoaderError {
		l.mu.Unlock()
		return
	}
	l.state = LoaderDone
	l.mu.Unlock()

	if l.onComplete != nil {
		l.onComplete(nil)
	}
}
