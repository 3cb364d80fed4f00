package rcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"native-build-go/model"
)

const (
	DefaultExpiredDuration = 24 * time.Hour
	// maximum candidates returned by /query
	queryLimit = 5

	blobObject    = "object"
	blobDepRecord = "deprecord"
)

// Server serves the object cache over HTTP:
//
//	POST /upload                  multipart: object, deprecord, body (base64 JSON CacheEntry)
//	GET  /query                   instance, output, command_hash, input_hash
//	GET  /fetch/object/<key>
//	GET  /fetch/deprecord/<key>
type Server struct {
	store  *Store
	dir    string
	logger *slog.Logger
	// expiry applied when the upload does not carry one
	expiry time.Duration
	srv    *fasthttp.Server
}

func NewServer(store *Store, dir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, dir: dir, logger: logger, expiry: DefaultExpiredDuration}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler,
		ReadTimeout:        15 * time.Minute,
		WriteTimeout:       15 * time.Minute,
		Concurrency:        256 * 1024,
		MaxRequestBodySize: 1 << 30,
	}
	return s
}

func (s *Server) SetExpiredDuration(d time.Duration) { s.expiry = d }

// BlobPath is where the blob kind of key is stored.
func BlobPath(dir, key, kind string) string {
	return filepath.Join(dir, key+"."+kind)
}

func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/upload" && ctx.IsPost():
		s.HandleUpload(ctx)
	case path == "/query" && ctx.IsGet():
		s.HandleQuery(ctx)
	case strings.HasPrefix(path, "/fetch/") && ctx.IsGet():
		s.HandleFetch(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) parseCacheEntry(ctx *fasthttp.RequestCtx) (*model.CacheEntry, error) {
	body := ctx.FormValue("body")
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(buf, body)
	if err != nil {
		return nil, err
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(buf[:n], &entry); err != nil {
		return nil, err
	}
	if entry.Output == "" || entry.CommandHash == "" || entry.InputHash == "" {
		return nil, errors.New("output, command_hash and input_hash are required")
	}
	expiry := s.expiry
	if v := string(ctx.FormValue("expired_duration")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		expiry = d
	}
	now := time.Now().Unix()
	entry.ID = 0
	entry.CreatedAt = now
	entry.LastAccess = now
	entry.ExpiredDuration = int64(expiry / time.Second)
	return &entry, nil
}

func (s *Server) HandleUpload(ctx *fasthttp.RequestCtx) {
	object, err := ctx.FormFile(blobObject)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	depRecord, err := ctx.FormFile(blobDepRecord)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	entry, err := s.parseCacheEntry(ctx)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	entry.Key = HashEntry(entry)

	exist, err := s.store.CheckEntryExist(entry.Key)
	if err != nil {
		s.fail(ctx, "check entry", err)
		return
	}
	if exist {
		ctx.Success("text/plain", []byte("already exists."))
		return
	}
	if err := fasthttp.SaveMultipartFile(object, BlobPath(s.dir, entry.Key, blobObject)); err != nil {
		s.fail(ctx, "save object", err)
		return
	}
	if err := fasthttp.SaveMultipartFile(depRecord, BlobPath(s.dir, entry.Key, blobDepRecord)); err != nil {
		s.fail(ctx, "save dep record", err)
		return
	}
	if err := s.store.SaveEntry(entry); err != nil {
		s.fail(ctx, "save entry", err)
		return
	}
	s.logger.Info("stored", "key", entry.Key, "output", entry.Output, "instance", entry.Instance, "deps", len(entry.Deps))
	ctx.Success("text/plain", []byte("success"))
}

func (s *Server) HandleQuery(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	items, err := s.store.FindPotentialCacheRecords(
		string(args.Peek("instance")),
		string(args.Peek("output")),
		string(args.Peek("command_hash")),
		string(args.Peek("input_hash")),
		queryLimit)
	if err != nil {
		s.fail(ctx, "query", err)
		return
	}
	if len(items) == 0 {
		ctx.Error("no entry", fasthttp.StatusNotFound)
		return
	}
	buf, err := json.Marshal(items)
	if err != nil {
		s.fail(ctx, "marshal", err)
		return
	}
	ctx.Success("application/json", buf)
}

// HandleFetch sends a blob and refreshes the entry's last access.
func (s *Server) HandleFetch(ctx *fasthttp.RequestCtx) {
	parts := strings.Split(strings.TrimPrefix(string(ctx.Path()), "/fetch/"), "/")
	if len(parts) != 2 || (parts[0] != blobObject && parts[0] != blobDepRecord) || !isHexKey(parts[1]) {
		ctx.Error("bad fetch path", fasthttp.StatusBadRequest)
		return
	}
	kind, key := parts[0], parts[1]
	exist, err := s.store.CheckEntryExist(key)
	if err != nil {
		s.fail(ctx, "check entry", err)
		return
	}
	path := BlobPath(s.dir, key, kind)
	if _, err := os.Stat(path); !exist || err != nil {
		ctx.Error("no entry", fasthttp.StatusNotFound)
		return
	}
	if err := s.store.UpdateFileAccess(key, time.Now()); err != nil {
		s.logger.Warn("update access", "key", key, "err", err)
	}
	ctx.SendFile(path)
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, op string, err error) {
	s.logger.Error(op, "path", string(ctx.Path()), "err", err)
	ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
}

func isHexKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting cache server", "addr", addr, "dir", s.dir)
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
