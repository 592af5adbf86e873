package server

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ResultState classifies a completed or in-flight store operation.
type ResultState int

const (
	ResultPending ResultState = iota
	ResultNotFound
	ResultFailed
	ResultSuccess
)

// String returns a readable name for the result state.
func (s ResultState) String() string {
	switch s {
	case ResultPending:
		return "pending"
	case ResultNotFound:
		return "not_found"
	case ResultFailed:
		return "failed"
	case ResultSuccess:
		return "success"
	}
	return "unknown"
}

// BlobProperties describes a single stored object.
type BlobProperties struct {
	Key             string    `json:"key"`
	Size            int64     `json:"size"`
	ETag            string    `json:"etag,omitempty"`
	LastModified    time.Time `json:"last_modified,omitempty"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
}

// Response normalizes a backend call's payload, whether it came from a
// get, head or listing call.
type Response struct {
	Body            []byte
	ContentEncoding string
	ETag            string
	LastModified    time.Time
	Size            int64

	// Listing payloads only.
	IsListing             bool
	Contents              []BlobProperties
	NextContinuationToken string
}

// Request wraps a single store operation's outcome. It is populated
// exactly once by the operation's completion and is immutable after.
type Request struct {
	Blob *Blob
	Op   string
	ID   string

	mu   sync.Mutex
	data *Response
	err  error
}

func (r *Request) complete(data *Response, err error) {
	r.mu.Lock()
	r.data = data
	r.err = err
	r.mu.Unlock()
}

func (r *Request) snapshot() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.err
}

// Result classifies the request. A request with no data and no error is
// pending only while the blob has no live load stream; a chunked load
// that completed without error is a success even though the payload was
// delivered through the stream rather than the envelope.
func (r *Request) Result() ResultState {
	data, err := r.snapshot()
	if data == nil && err == nil {
		if r.Blob == nil || r.Blob.LoadStream() == nil {
			return ResultPending
		}
		return ResultSuccess
	}
	if err != nil {
		if isNotFound(err) {
			return ResultNotFound
		}
		return ResultFailed
	}
	return ResultSuccess
}

// AsBytes returns the payload body verbatim, or nil if the request is
// errored or has no body.
func (r *Request) AsBytes() []byte {
	data, err := r.snapshot()
	if err != nil || data == nil {
		return nil
	}
	return data.Body
}

// AsUncompressedBytes returns the payload body, decompressing it first
// if the payload declares a gzip content encoding.
func (r *Request) AsUncompressedBytes() []byte {
	data, err := r.snapshot()
	if err != nil || data == nil || data.Body == nil {
		return nil
	}
	if !strings.EqualFold(data.ContentEncoding, "gzip") {
		return data.Body
	}
	zr, err := gzip.NewReader(bytes.NewReader(data.Body))
	if err != nil {
		return nil
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil
	}
	return out
}

// AsString returns the payload decoded as text, gzip-aware.
func (r *Request) AsString() string {
	return string(r.AsUncompressedBytes())
}

// Keys returns the ordered keys of a listing payload, or an empty slice
// for non-listing payloads.
func (r *Request) Keys() []string {
	data, err := r.snapshot()
	if err != nil || data == nil || !data.IsListing {
		return nil
	}
	keys := make([]string, 0, len(data.Contents))
	for _, c := range data.Contents {
		keys = append(keys, c.Key)
	}
	return keys
}

// Properties returns the per-object property records of a listing
// payload, or a single record describing a non-listing payload.
func (r *Request) Properties() []BlobProperties {
	data, err := r.snapshot()
	if err != nil || data == nil {
		return nil
	}
	if data.IsListing {
		props := make([]BlobProperties, len(data.Contents))
		copy(props, data.Contents)
		return props
	}
	key := ""
	if r.Blob != nil {
		key = r.Blob.Key
	}
	return []BlobProperties{{
		Key:             key,
		Size:            data.Size,
		ETag:            data.ETag,
		LastModified:    data.LastModified,
		ContentEncoding: data.ContentEncoding,
	}}
}

// NextToken returns the continuation token of a listing payload that
// has more pages, or "".
func (r *Request) NextToken() string {
	data, err := r.snapshot()
	if err != nil || data == nil {
		return ""
	}
	return data.NextContinuationToken
}

// AsError returns a readable form of the request's error, or "".
func (r *Request) AsError() string {
	_, err := r.snapshot()
	if err == nil {
		return ""
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		return ae.Message()
	}
	return err.Error()
}

// isNotFound reports whether a backend error signals a missing object.
func isNotFound(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return true
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}

// responseFromGetObject drains a GetObject output into a Response.
func responseFromGetObject(out *s3.GetObjectOutput) (*Response, error) {
	resp := &Response{
		ContentEncoding: aws.StringValue(out.ContentEncoding),
		ETag:            aws.StringValue(out.ETag),
		LastModified:    aws.TimeValue(out.LastModified),
		Size:            aws.Int64Value(out.ContentLength),
	}
	if out.Body != nil {
		defer out.Body.Close()
		body, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read blob body: %v", err)
		}
		resp.Body = body
	}
	return resp, nil
}

func responseFromHeadObject(out *s3.HeadObjectOutput) *Response {
	return &Response{
		ContentEncoding: aws.StringValue(out.ContentEncoding),
		ETag:            aws.StringValue(out.ETag),
		LastModified:    aws.TimeValue(out.LastModified),
		Size:            aws.Int64Value(out.ContentLength),
	}
}

func responseFromProperties(props *BlobProperties) *Response {
	return &Response{
		ContentEncoding: props.ContentEncoding,
		ETag:            props.ETag,
		LastModified:    props.LastModified,
		Size:            props.Size,
	}
}

func responseFromListing(out *s3.ListObjectsV2Output) *Response {
	resp := &Response{IsListing: true}
	for _, obj := range out.Contents {
		resp.Contents = append(resp.Contents, BlobProperties{
			Key:          aws.StringValue(obj.Key),
			Size:         aws.Int64Value(obj.Size),
			ETag:         aws.StringValue(obj.ETag),
			LastModified: aws.TimeValue(obj.LastModified),
		})
	}
	if aws.BoolValue(out.IsTruncated) {
		resp.NextContinuationToken = aws.StringValue(out.NextContinuationToken)
	}
	return resp
}
