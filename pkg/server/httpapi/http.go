// Package httpapi serves a chunk store over HTTP. Chunks live at
// /chunks/<hex address>, which is the object layout RemoteStore expects
// with the bucket set to "chunks".
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/selfenc/pkg/server/middleware"
	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xerrors"
	"github.com/jacktea/selfenc/pkg/xorname"
)

const chunkPrefix = "/chunks/"

// DefaultMaxChunkBytes bounds upload bodies when Options leaves it unset.
const DefaultMaxChunkBytes = 16 << 20

// Server exposes a Store over HTTP.
type Server struct {
	Store storage.Store
	Log   logrus.FieldLogger
	Opts  Options
}

// Options configure auth, rate limiting and upload limits.
type Options struct {
	APIKey        string
	RateLimit     middleware.RateLimitOptions
	MaxChunkBytes int64
	// ReadOnly rejects PUT and DELETE.
	ReadOnly bool
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve answers requests on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log().WithField("addr", ln.Addr().String()).Info("chunk server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(chunkPrefix, s.handleChunk)
	return middleware.Wrap(mux,
		middleware.Logging(s.log()),
		middleware.Recover(s.log()),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}

func (s *Server) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	addr, err := xorname.Parse(strings.TrimPrefix(r.URL.Path, chunkPrefix))
	if err != nil {
		http.Error(w, "invalid chunk address", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		s.getChunk(ctx, w, addr)
	case http.MethodHead:
		ok, err := s.Store.Exists(ctx, addr)
		if err != nil {
			httpError(w, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if s.Opts.ReadOnly {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.putChunk(ctx, w, r, addr)
	case http.MethodDelete:
		s.deleteChunk(ctx, w, addr)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getChunk(ctx context.Context, w http.ResponseWriter, addr xorname.XorName) {
	data, err := s.Store.Get(ctx, addr)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"`+addr.String()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// putChunk stores the body only if it hashes to addr.
func (s *Server) putChunk(ctx context.Context, w http.ResponseWriter, r *http.Request, addr xorname.XorName) {
	limit := s.Opts.MaxChunkBytes
	if limit <= 0 {
		limit = DefaultMaxChunkBytes
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if int64(len(data)) > limit {
		http.Error(w, fmt.Sprintf("chunk larger than %d bytes", limit), http.StatusRequestEntityTooLarge)
		return
	}
	if err := storage.Verifying(s.Store).Put(ctx, addr, data); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteChunk(ctx context.Context, w http.ResponseWriter, addr xorname.XorName) {
	d, ok := s.Store.(storage.Deleter)
	if !ok || s.Opts.ReadOnly {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := d.Delete(ctx, addr); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindIntegrity, xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindWrite:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
