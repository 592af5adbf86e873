package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(api s3API, uploader blobUploader) *Server {
	blobs := newS3BlobStore(api, uploader, nil, "bucket")
	return &Server{
		config: &Config{},
		blobs:  blobs,
		cache:  &NoOpCache{},
		log:    logrus.WithField("component", "server"),
	}
}

func TestHandleBlob_PresignRoute(t *testing.T) {
	api := newFakeS3()
	srv := newTestServer(api, &fakeUploader{})

	r := httptest.NewRequest(http.MethodPost, "/api/blobs/docs/report.pdf/url?method=GET", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	// The /url suffix is routing only; the URL must be signed for the
	// object key itself.
	assert.Contains(t, payload["url"], "/docs/report.pdf?")
	assert.NotContains(t, payload["url"], "report.pdf/url")
}

func TestHandleBlob_PostWithoutURLSuffix(t *testing.T) {
	api := newFakeS3()
	srv := newTestServer(api, &fakeUploader{})

	r := httptest.NewRequest(http.MethodPost, "/api/blobs/docs/report.pdf", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleBlob_PresignEmptyKey(t *testing.T) {
	api := newFakeS3()
	srv := newTestServer(api, &fakeUploader{})

	r := httptest.NewRequest(http.MethodPost, "/api/blobs//url", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBlob_StreamsObject(t *testing.T) {
	object := pattern(2500)
	api := newFakeS3()
	api.fetch = &fakeRangeFetcher{object: object}
	srv := newTestServer(api, &fakeUploader{})
	srv.blobs.SetChunkSize(1000)

	r := httptest.NewRequest(http.MethodGet, "/api/blobs/big.bin", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, object, w.Body.Bytes())
}

func TestGetBlob_NotFoundBeforeFirstByte(t *testing.T) {
	api := newFakeS3()
	api.fetch = &fakeRangeFetcher{
		object:  pattern(100),
		failAt:  1,
		failErr: awserr.NewRequestFailure(awserr.New("NoSuchKey", "no such key", nil), 404, "r"),
	}
	srv := newTestServer(api, &fakeUploader{})

	r := httptest.NewRequest(http.MethodGet, "/api/blobs/missing.bin", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBlob_BackendFailureBeforeFirstByte(t *testing.T) {
	api := newFakeS3()
	api.fetch = &fakeRangeFetcher{object: pattern(100), failAt: 1}
	srv := newTestServer(api, &fakeUploader{})

	r := httptest.NewRequest(http.MethodGet, "/api/blobs/broken.bin", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleBlob_DeleteAndHead(t *testing.T) {
	api := newFakeS3()
	srv := newTestServer(api, &fakeUploader{})

	r := httptest.NewRequest(http.MethodDelete, "/api/blobs/gone.bin", nil)
	w := httptest.NewRecorder()
	srv.handleBlob(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)

	api.headErr = awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), 404, "r")
	r = httptest.NewRequest(http.MethodHead, "/api/blobs/gone.bin", nil)
	w = httptest.NewRecorder()
	srv.handleBlob(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
