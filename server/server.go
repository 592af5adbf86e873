package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// Server exposes the blob store over HTTP, with a gRPC endpoint
// running alongside for reflection-based tooling.
type Server struct {
	config  *Config
	blobs   *S3BlobStore
	cache   Cache
	grpcSrv *grpc.Server
	log     *logrus.Entry
}

// NewServer creates a new blob storage server
func NewServer(config *Config) (*Server, error) {
	log := logrus.WithField("component", "server")

	// Create S3 blob store
	blobs, err := NewS3BlobStore(config.AWS.Region, config.AWS.S3.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 blob store: %v", err)
	}
	blobs.SetChunkSize(config.AWS.S3.ChunkSize)
	blobs.SetPresignTTL(time.Duration(config.AWS.S3.PresignTTLSeconds) * time.Second)

	// Create Redis cache or use NoOpCache if Redis is not available
	var cache Cache = &NoOpCache{}
	if config.AWS.ElastiCache.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		redisCache, err := NewRedisCache(ctx, config.AWS.ElastiCache.Address, config.AWS.ElastiCache.TTL)
		if err != nil {
			log.Warnf("Failed to create Redis cache: %v. Continuing with NoOpCache.", err)
		} else {
			cache = redisCache
			log.Infof("Successfully connected to Redis cache at %s", config.AWS.ElastiCache.Address)
		}
	} else {
		log.Info("No Redis address configured. Using NoOpCache.")
	}
	blobs.SetCache(cache)

	// Log every operation completion
	for _, op := range []string{OpLoad, OpHead, OpSave, OpDelete, OpList, OpURL} {
		op := op
		blobs.OnComplete(op, func(blob *Blob, req *Request) {
			logrus.WithFields(logrus.Fields{
				"op":     op,
				"key":    blob.Key,
				"id":     req.ID,
				"result": req.Result().String(),
			}).Debug("operation complete")
		})
	}

	// Create gRPC server
	grpcSrv := grpc.NewServer()
	reflection.Register(grpcSrv)

	return &Server{
		config:  config,
		blobs:   blobs,
		cache:   cache,
		grpcSrv: grpcSrv,
		log:     log,
	}, nil
}

// Start starts the server
func (s *Server) Start() error {
	// Start gRPC server
	go func() {
		addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Fatalf("Failed to listen on %s: %v", addr, err)
		}
		s.log.Infof("gRPC server listening on %s", addr)
		if err := s.grpcSrv.Serve(lis); err != nil {
			s.log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	mux := http.NewServeMux()

	// Add HTTP handlers
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/blobs", s.handleBlobs)
	mux.HandleFunc("/api/blobs/", s.handleBlob)

	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	s.log.Infof("HTTP server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// Stop stops the server
func (s *Server) Stop() {
	s.grpcSrv.GracefulStop()
	if s.cache != nil {
		if closer, ok := s.cache.(io.Closer); ok {
			closer.Close()
		}
	}
}

// handleRoot handles the root endpoint
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "Blob storage adapter is running!")
}

// handleHealth handles the health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// handleBlobs handles the /api/blobs endpoint (listing)
func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blob := &Blob{Key: r.URL.Query().Get("prefix")}
	req := s.blobs.List(r.Context(), blob, r.URL.Query().Get("token"))
	if req == nil {
		http.Error(w, "bucket is required", http.StatusBadRequest)
		return
	}

	switch req.Result() {
	case ResultSuccess:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys":       req.Keys(),
			"properties": req.Properties(),
			"next_token": req.NextToken(),
		})
	case ResultNotFound:
		http.Error(w, "bucket not found", http.StatusNotFound)
	default:
		s.log.Errorf("Failed to list blobs: %s", req.AsError())
		http.Error(w, "Failed to list blobs", http.StatusInternalServerError)
	}
}

// handleBlob handles the /api/blobs/{key} endpoint
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/blobs/")
	if key == "" {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	// Presign issuance lives at /api/blobs/{key}/url; the suffix is
	// routing, not part of the object key.
	if r.Method == http.MethodPost {
		if !strings.HasSuffix(key, "/url") {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key = strings.TrimSuffix(key, "/url")
		if key == "" {
			http.Error(w, "blob key is required", http.StatusBadRequest)
			return
		}
		s.presignBlob(w, r, key)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getBlob(w, r, key)
	case http.MethodHead:
		s.headBlob(w, r, key)
	case http.MethodPut:
		s.putBlob(w, r, key)
	case http.MethodDelete:
		s.deleteBlob(w, r, key)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// getBlob streams a blob's content through the chunk loader
func (s *Server) getBlob(w http.ResponseWriter, r *http.Request, key string) {
	blob := &Blob{Key: key, ContentDisposition: DispositionStream}
	req := s.blobs.Load(r.Context(), blob)
	if req == nil {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	stream := blob.LoadStream()
	defer stream.Close()

	// Pull the first bytes before committing to a 200 so a load that
	// fails outright still reports its classification.
	buf := make([]byte, 32*1024)
	n, err := stream.Read(buf)
	if n == 0 && err != nil && err != io.EOF {
		switch req.Result() {
		case ResultNotFound:
			http.Error(w, "blob not found", http.StatusNotFound)
		default:
			s.log.Errorf("Failed to load blob %q: %s", key, req.AsError())
			http.Error(w, "Failed to load blob", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			s.log.Errorf("Failed to stream blob %q: %v", key, err)
			return
		}
	}
	if err == nil {
		if _, err := io.Copy(w, stream); err != nil {
			// Headers are already gone; all we can do is log and drop.
			s.log.Errorf("Failed to stream blob %q: %v", key, err)
		}
	}
}

// headBlob returns a blob's properties as response headers
func (s *Server) headBlob(w http.ResponseWriter, r *http.Request, key string) {
	blob := &Blob{Key: key}
	req := s.blobs.Head(r.Context(), blob)
	if req == nil {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	switch req.Result() {
	case ResultSuccess:
		props := req.Properties()[0]
		w.Header().Set("Content-Length", fmt.Sprintf("%d", props.Size))
		if props.ETag != "" {
			w.Header().Set("ETag", props.ETag)
		}
		if props.ContentEncoding != "" {
			w.Header().Set("Content-Encoding", props.ContentEncoding)
		}
		w.WriteHeader(http.StatusOK)
	case ResultNotFound:
		http.Error(w, "blob not found", http.StatusNotFound)
	default:
		s.log.Errorf("Failed to head blob %q: %s", key, req.AsError())
		http.Error(w, "Failed to head blob", http.StatusInternalServerError)
	}
}

// putBlob saves a blob from the request body
func (s *Server) putBlob(w http.ResponseWriter, r *http.Request, key string) {
	data, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	blob := &Blob{
		Key:             key,
		Buffer:          data,
		ContentType:     r.Header.Get("Content-Type"),
		ContentEncoding: r.Header.Get("Content-Encoding"),
		CacheControl:    r.Header.Get("Cache-Control"),
	}
	req := s.blobs.Save(r.Context(), blob)
	if req == nil {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	if req.Result() != ResultSuccess {
		s.log.Errorf("Failed to save blob %q: %s", key, req.AsError())
		http.Error(w, "Failed to save blob", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// deleteBlob removes a blob
func (s *Server) deleteBlob(w http.ResponseWriter, r *http.Request, key string) {
	blob := &Blob{Key: key}
	req := s.blobs.Delete(r.Context(), blob)
	if req == nil {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	if req.Result() != ResultSuccess {
		s.log.Errorf("Failed to delete blob %q: %s", key, req.AsError())
		http.Error(w, "Failed to delete blob", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// presignBlob issues a time-limited transfer URL for a blob
func (s *Server) presignBlob(w http.ResponseWriter, r *http.Request, key string) {
	method := r.URL.Query().Get("method")
	blob := &Blob{Key: key, ContentType: r.Header.Get("Content-Type")}
	req := s.blobs.CreateTransferURL(r.Context(), blob, method)
	if req == nil {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	if req.Result() != ResultSuccess {
		s.log.Errorf("Failed to presign blob %q: %s", key, req.AsError())
		http.Error(w, "Failed to issue transfer URL", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"url": string(req.AsBytes()),
	})
}
