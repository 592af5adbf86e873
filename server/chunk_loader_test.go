package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRangeFetcher serves bounded range reads over an in-memory object
// the way S3 answers ranged GetObject calls.
type fakeRangeFetcher struct {
	object           []byte
	encoding         string
	failAt           int   // fail the Nth call, 0 = never
	failErr          error // error returned at failAt, backend default
	omitContentRange bool
	gate             chan struct{} // when set, responses wait for the gate

	mu     sync.Mutex
	ranges []string
}

func (f *fakeRangeFetcher) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.ranges = append(f.ranges, aws.StringValue(input.Range))
	call := len(f.ranges)
	f.mu.Unlock()

	if f.failAt > 0 && call >= f.failAt {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, awserr.New("InternalError", "backend exploded", nil)
	}

	var start, end int64
	_, err := fmt.Sscanf(aws.StringValue(input.Range), "bytes=%d-%d", &start, &end)
	if err != nil {
		return nil, fmt.Errorf("unparseable range %q: %v", aws.StringValue(input.Range), err)
	}
	size := int64(len(f.object))
	if end > size-1 {
		end = size - 1
	}

	body := f.object[start : end+1]
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if !f.omitContentRange {
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
	if f.encoding != "" {
		out.ContentEncoding = aws.String(f.encoding)
	}
	return out, nil
}

func (f *fakeRangeFetcher) requestedRanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ranges...)
}

// completionRecorder counts completion callbacks and hands back the
// first one's error.
type completionRecorder struct {
	mu    sync.Mutex
	count int
	ch    chan error
}

func newCompletionRecorder() *completionRecorder {
	return &completionRecorder{ch: make(chan error, 4)}
}

func (c *completionRecorder) callback(err error) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	c.ch <- err
}

func (c *completionRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loader completion")
		return nil
	}
}

func (c *completionRecorder) completions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestChunkLoader_StreamAvailableBeforeFirstFetch(t *testing.T) {
	fetcher := &fakeRangeFetcher{object: pattern(10), gate: make(chan struct{})}
	blob := &Blob{Key: "k", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	loader := NewChunkLoader(context.Background(), fetcher, "bucket", blob, 1000, rec.callback)

	// The exposed stream must be registered synchronously, before any
	// bytes have been fetched.
	require.NotNil(t, blob.LoadStream())
	assert.Zero(t, loader.Position())
	assert.Equal(t, int64(-1), loader.Length())

	close(fetcher.gate)
	data, err := io.ReadAll(blob.LoadStream())
	require.NoError(t, err)
	assert.Equal(t, pattern(10), data)
	require.NoError(t, rec.wait(t))
	assert.Equal(t, LoaderDone, loader.State())
}

func TestChunkLoader_ThreeChunksOfNineMillion(t *testing.T) {
	object := pattern(9000000)
	fetcher := &fakeRangeFetcher{object: object}
	blob := &Blob{Key: "big", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	loader := NewChunkLoader(context.Background(), fetcher, "bucket", blob, DefaultChunkSize, rec.callback)

	data, err := io.ReadAll(blob.LoadStream())
	require.NoError(t, err)
	assert.Len(t, data, 9000000)
	assert.Equal(t, object, data)

	require.NoError(t, rec.wait(t))
	assert.Equal(t, LoaderDone, loader.State())
	assert.Equal(t, []string{
		"bytes=0-3999999",
		"bytes=4000000-7999999",
		"bytes=8000000-8999999",
	}, fetcher.requestedRanges())
	assert.Equal(t, int64(9000000), loader.Position())
	assert.Equal(t, int64(9000000), loader.Length())
}

func TestChunkLoader_ExactChunkMultiple(t *testing.T) {
	const chunk = 1000
	object := pattern(3 * chunk)
	fetcher := &fakeRangeFetcher{object: object}
	blob := &Blob{Key: "k", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	NewChunkLoader(context.Background(), fetcher, "bucket", blob, chunk, rec.callback)

	data, err := io.ReadAll(blob.LoadStream())
	require.NoError(t, err)
	assert.Equal(t, object, data)
	require.NoError(t, rec.wait(t))

	// Exactly k contiguous, non-overlapping ranges covering [0, size-1].
	assert.Equal(t, []string{
		"bytes=0-999",
		"bytes=1000-1999",
		"bytes=2000-2999",
	}, fetcher.requestedRanges())
}

func TestChunkLoader_GzipSplice(t *testing.T) {
	// Pseudorandom payload so the compressed object spans more than one
	// chunk at this chunk size.
	payload := make([]byte, 20000)
	rand.New(rand.NewSource(42)).Read(payload)
	fetcher := &fakeRangeFetcher{object: gzipBytes(t, payload), encoding: "gzip"}
	blob := &Blob{Key: "k.gz", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	loader := NewChunkLoader(context.Background(), fetcher, "bucket", blob, 4096, rec.callback)

	data, err := io.ReadAll(blob.LoadStream())
	require.NoError(t, err)
	assert.Equal(t, payload, data, "exposed stream must carry decompressed bytes")
	require.NoError(t, rec.wait(t))
	assert.Equal(t, LoaderDone, loader.State())
	// Ranges are over the compressed object; more than one chunk keeps
	// the splice decision exercised across chunk boundaries.
	assert.Greater(t, len(fetcher.requestedRanges()), 1)
}

func TestChunkLoader_PlainObjectSkipsDecompression(t *testing.T) {
	// Valid gzip bytes but no content-encoding header: the loader must
	// deliver them verbatim.
	raw := gzipBytes(t, []byte("not transparently decompressed"))
	fetcher := &fakeRangeFetcher{object: raw}
	blob := &Blob{Key: "k", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	NewChunkLoader(context.Background(), fetcher, "bucket", blob, 1000, rec.callback)

	data, err := io.ReadAll(blob.LoadStream())
	require.NoError(t, err)
	assert.Equal(t, raw, data)
	require.NoError(t, rec.wait(t))
}

func TestChunkLoader_ErrorMidFetchIsTerminal(t *testing.T) {
	fetcher := &fakeRangeFetcher{object: pattern(200), failAt: 2}
	blob := &Blob{Key: "k", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	loader := NewChunkLoader(context.Background(), fetcher, "bucket", blob, 50, rec.callback)

	_, err := io.ReadAll(blob.LoadStream())
	require.Error(t, err, "exposed stream must surface the terminal error")

	require.Error(t, rec.wait(t))
	assert.Equal(t, LoaderError, loader.State())
	require.Error(t, loader.Err())

	// No further chunk requests after the terminal error.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fetcher.requestedRanges(), 2)
	assert.Equal(t, 1, rec.completions(), "completion must fire exactly once")
}

func TestChunkLoader_MissingContentRangeEndsFetch(t *testing.T) {
	object := pattern(100)
	fetcher := &fakeRangeFetcher{object: object, omitContentRange: true}
	blob := &Blob{Key: "k", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	loader := NewChunkLoader(context.Background(), fetcher, "bucket", blob, 1000, rec.callback)

	data, err := io.ReadAll(blob.LoadStream())
	require.NoError(t, err)
	assert.Equal(t, object, data)
	require.NoError(t, rec.wait(t))

	// The returned bytes count as the whole object instead of looping
	// on the same range forever.
	assert.Equal(t, LoaderDone, loader.State())
	assert.Len(t, fetcher.requestedRanges(), 1)
	assert.Equal(t, int64(100), loader.Length())
}

func TestChunkLoader_ContextCancel(t *testing.T) {
	fetcher := &fakeRangeFetcher{object: pattern(100)}
	blob := &Blob{Key: "k", ContentDisposition: DispositionStream}
	rec := newCompletionRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader := NewChunkLoader(ctx, fetcher, "bucket", blob, 1000, rec.callback)

	_, err := io.ReadAll(blob.LoadStream())
	require.Error(t, err)
	require.Error(t, rec.wait(t))
	assert.Equal(t, LoaderError, loader.State())
}
