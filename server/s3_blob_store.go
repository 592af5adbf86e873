package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
)

// Operation names used for request ids, in-flight indexing and
// observer registration.
const (
	OpLoad   = "load"
	OpHead   = "head"
	OpSave   = "save"
	OpDelete = "delete"
	OpList   = "list"
	OpURL    = "url"
)

// s3API is the slice of the S3 client the blob store calls.
type s3API interface {
	rangeFetcher
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2WithContext(ctx aws.Context, input *s3.ListObjectsV2Input, opts ...request.Option) (*s3.ListObjectsV2Output, error)
	GetObjectRequest(input *s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput)
	PutObjectRequest(input *s3.PutObjectInput) (*request.Request, *s3.PutObjectOutput)
}

// blobUploader is the slice of the s3manager uploader the blob store
// calls.
type blobUploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// BlobObserver is notified when an operation on a blob completes.
type BlobObserver func(blob *Blob, req *Request)

// S3BlobStore exposes blob load, save, head, delete, list and
// transfer-URL operations against S3. Backend errors are never
// returned from the operation methods; every operation yields a
// Request whose classification carries the outcome, and the per-op
// observer fires once on completion.
type S3BlobStore struct {
	api        s3API
	uploader   blobUploader
	cache      Cache
	bucketName string
	chunkSize  int64
	presignTTL time.Duration

	counter   uint64
	mu        sync.Mutex
	inflight  map[string]map[string]*Request
	observers map[string]BlobObserver

	log *logrus.Entry
}

// NewS3BlobStore creates a new S3 blob store
func NewS3BlobStore(region, bucketName string) (*S3BlobStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return newS3BlobStore(s3.New(sess), s3manager.NewUploader(sess), &NoOpCache{}, bucketName), nil
}

// newS3BlobStore wires a blob store from its collaborators.
func newS3BlobStore(api s3API, uploader blobUploader, cache Cache, bucketName string) *S3BlobStore {
	if cache == nil {
		cache = &NoOpCache{}
	}
	return &S3BlobStore{
		api:        api,
		uploader:   uploader,
		cache:      cache,
		bucketName: bucketName,
		chunkSize:  DefaultChunkSize,
		presignTTL: 15 * time.Minute,
		inflight:   make(map[string]map[string]*Request),
		observers:  make(map[string]BlobObserver),
		log:        logrus.WithField("component", "s3_blob_store"),
	}
}

// SetChunkSize overrides the range size used by chunked loads.
func (s *S3BlobStore) SetChunkSize(n int64) {
	if n > 0 {
		s.chunkSize = n
	}
}

// SetPresignTTL overrides how long issued transfer URLs stay valid.
func (s *S3BlobStore) SetPresignTTL(d time.Duration) {
	if d > 0 {
		s.presignTTL = d
	}
}

// SetCache replaces the property cache.
func (s *S3BlobStore) SetCache(cache Cache) {
	if cache != nil {
		s.cache = cache
	}
}

// OnComplete registers the observer notified when the named operation
// completes. One observer per operation.
func (s *S3BlobStore) OnComplete(op string, obs BlobObserver) {
	s.mu.Lock()
	s.observers[op] = obs
	s.mu.Unlock()
}

// InFlight returns how many requests the named operation currently has
// outstanding.
func (s *S3BlobStore) InFlight(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight[op])
}

// bucketFor resolves the bucket an operation targets.
func (s *S3BlobStore) bucketFor(blob *Blob) string {
	if blob.Bucket != "" {
		return blob.Bucket
	}
	return s.bucketName
}

// track builds a request envelope and records it in the operation's
// in-flight index.
func (s *S3BlobStore) track(op string, blob *Blob) *Request {
	id := fmt.Sprintf("%s+%s+%d", op, blob.Key, atomic.AddUint64(&s.counter, 1))
	req := &Request{Blob: blob, Op: op, ID: id}
	s.mu.Lock()
	if s.inflight[op] == nil {
		s.inflight[op] = make(map[string]*Request)
	}
	s.inflight[op][id] = req
	s.mu.Unlock()
	return req
}

// finish fills the envelope, moves the blob to its completed lifecycle
// state, drops the in-flight entry and notifies the operation's
// observer.
func (s *S3BlobStore) finish(req *Request, data *Response, err error) {
	req.complete(data, err)

	switch req.Op {
	case OpLoad:
		req.Blob.SetLoaded()
	case OpSave:
		req.Blob.SetSaved()
	case OpDelete:
		req.Blob.SetDeleted()
	case OpList:
		req.Blob.SetListed()
	}

	s.mu.Lock()
	delete(s.inflight[req.Op], req.ID)
	obs := s.observers[req.Op]
	s.mu.Unlock()

	if obs != nil {
		obs(req.Blob, req)
	}
}

// Load fetches a blob. When the blob requests streamed delivery the
// fetch is delegated to a chunk loader; the blob's load stream is
// populated before Load returns and the returned request completes
// when the loader does. Otherwise the object is fetched in one call.
func (s *S3BlobStore) Load(ctx context.Context, blob *Blob) *Request {
	if blob.Key == "" {
		s.log.Error("load requires a blob key")
		return nil
	}

	req := s.track(OpLoad, blob)
	blob.SetLoading()

	if blob.WantsStream() {
		NewChunkLoader(ctx, s.api, s.bucketFor(blob), blob, s.chunkSize, func(err error) {
			s.finish(req, nil, err)
		})
		return req
	}

	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketFor(blob)),
		Key:    aws.String(blob.Key),
	})
	if err != nil {
		s.finish(req, nil, err)
		return req
	}
	resp, err := responseFromGetObject(out)
	s.finish(req, resp, err)
	return req
}

// Head fetches a blob's properties, consulting the cache first and
// filling it on a backend hit.
func (s *S3BlobStore) Head(ctx context.Context, blob *Blob) *Request {
	if blob.Key == "" {
		s.log.Error("head requires a blob key")
		return nil
	}

	req := s.track(OpHead, blob)
	bucket := s.bucketFor(blob)

	if props, err := s.cache.GetProperties(ctx, bucket, blob.Key); err == nil {
		s.finish(req, responseFromProperties(props), nil)
		return req
	}

	out, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(blob.Key),
	})
	if err != nil {
		s.finish(req, nil, err)
		return req
	}

	resp := responseFromHeadObject(out)
	if err := s.cache.SetProperties(ctx, bucket, blob.Key, &BlobProperties{
		Key:             blob.Key,
		Size:            resp.Size,
		ETag:            resp.ETag,
		LastModified:    resp.LastModified,
		ContentEncoding: resp.ContentEncoding,
	}); err != nil {
		s.log.Warnf("failed to cache blob properties: %v", err)
	}
	s.finish(req, resp, nil)
	return req
}

// Save uploads the blob's content. A failure to resolve the content
// locally surfaces as a failed request, not a returned error, and the
// observer fires once either way.
func (s *S3BlobStore) Save(ctx context.Context, blob *Blob) *Request {
	if blob.Key == "" {
		s.log.Error("save requires a blob key")
		return nil
	}

	req := s.track(OpSave, blob)
	blob.SetSaving()
	bucket := s.bucketFor(blob)

	body, err := blob.openContent()
	if err != nil {
		s.finish(req, nil, err)
		return req
	}
	defer body.Close()

	input := &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(blob.Key),
		Body:   body,
	}
	if blob.ContentType != "" {
		input.ContentType = aws.String(blob.ContentType)
	}
	if blob.ContentEncoding != "" {
		input.ContentEncoding = aws.String(blob.ContentEncoding)
	}
	if blob.CacheControl != "" {
		input.CacheControl = aws.String(blob.CacheControl)
	}
	if blob.ContentDisposition != "" && !blob.WantsStream() {
		input.ContentDisposition = aws.String(blob.ContentDisposition)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		s.finish(req, nil, err)
		return req
	}

	if err := s.cache.DeleteProperties(ctx, bucket, blob.Key); err != nil {
		s.log.Warnf("failed to invalidate cached properties: %v", err)
	}
	s.finish(req, &Response{}, nil)
	return req
}

// Delete removes a blob.
func (s *S3BlobStore) Delete(ctx context.Context, blob *Blob) *Request {
	if blob.Key == "" {
		s.log.Error("delete requires a blob key")
		return nil
	}

	req := s.track(OpDelete, blob)
	blob.SetDeleting()
	bucket := s.bucketFor(blob)

	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(blob.Key),
	})
	if err != nil {
		s.finish(req, nil, err)
		return req
	}

	if err := s.cache.DeleteProperties(ctx, bucket, blob.Key); err != nil {
		s.log.Warnf("failed to invalidate cached properties: %v", err)
	}
	s.finish(req, &Response{}, nil)
	return req
}

// List fetches one page of the bucket's objects, using the blob's key
// as an optional prefix. A continuation token from a previous page
// requests the next one; the response's token, when present, is
// surfaced through the envelope.
func (s *S3BlobStore) List(ctx context.Context, blob *Blob, continuationToken string) *Request {
	if s.bucketFor(blob) == "" {
		s.log.Error("list requires a bucket")
		return nil
	}

	req := s.track(OpList, blob)
	blob.SetListing()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketFor(blob)),
	}
	if blob.Key != "" {
		input.Prefix = aws.String(blob.Key)
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}

	out, err := s.api.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		s.finish(req, nil, err)
		return req
	}
	s.finish(req, responseFromListing(out), nil)
	return req
}

// CreateTransferURL issues a time-limited URL granting one-off access
// to the blob. method is http.MethodGet or http.MethodPut; the issued
// URL is carried as the envelope's payload body.
func (s *S3BlobStore) CreateTransferURL(ctx context.Context, blob *Blob, method string) *Request {
	if blob.Key == "" {
		s.log.Error("transfer URL requires a blob key")
		return nil
	}

	req := s.track(OpURL, blob)
	bucket := s.bucketFor(blob)

	var (
		signReq *request.Request
		err     error
	)
	switch strings.ToUpper(method) {
	case http.MethodPut:
		input := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(blob.Key),
		}
		if blob.ContentType != "" {
			input.ContentType = aws.String(blob.ContentType)
		}
		signReq, _ = s.api.PutObjectRequest(input)
	case http.MethodGet, "":
		signReq, _ = s.api.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(blob.Key),
		})
	default:
		err = fmt.Errorf("unsupported transfer method %q", method)
	}

	if err != nil {
		s.finish(req, nil, err)
		return req
	}

	signReq.SetContext(ctx)
	url, err := signReq.Presign(s.presignTTL)
	if err != nil {
		s.finish(req, nil, fmt.Errorf("failed to presign transfer URL: %v", err))
		return req
	}
	s.finish(req, &Response{Body: []byte(url)}, nil)
	return req
}
