package nbuild

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"native-build-go/model"
)

const remoteCacheTimeout = 30 * time.Second

// RemoteCache shares compiled objects between machines through an
// nbuild-cache server. A compile is looked up by object path, command
// hash and source hash; a candidate is used only if every header it was
// compiled against hashes the same locally.
//
// Lookups and uploads run on runner goroutines. Any failure falls back to
// compiling locally.
type RemoteCache struct {
	baseURL  string
	instance string
	// Expiry is sent with uploads; zero leaves it to the server.
	Expiry time.Duration
	client *fasthttp.Client
	warn   func(format string, args ...interface{})
}

func NewRemoteCache(baseURL, instance string, warn func(format string, args ...interface{})) *RemoteCache {
	if warn == nil {
		warn = func(string, ...interface{}) {}
	}
	return &RemoteCache{
		baseURL:  strings.TrimRight(baseURL, "/"),
		instance: instance,
		client:   &fasthttp.Client{Name: "nbuild", MaxResponseBodySize: 1 << 30},
		warn:     warn,
	}
}

// SetDial replaces how connections are made, for in-memory listeners.
func (c *RemoteCache) SetDial(dial func(addr string) (net.Conn, error)) {
	c.client.Dial = dial
}

// Wrap returns an ExecuteFunc that serves compile actions from the cache
// when possible and otherwise runs next, uploading what it produced.
func (c *RemoteCache) Wrap(next ExecuteFunc) ExecuteFunc {
	if next == nil {
		next = ExecuteCommand
	}
	return func(ctx context.Context, a *Action) *Result {
		if a.Kind != ActionCompile || a.Command == nil || len(a.Outputs) < 2 {
			return next(ctx, a)
		}
		inputHash, err := HashFile(a.Source)
		if err != nil {
			return next(ctx, a)
		}
		if c.fetch(a, inputHash) {
			return &Result{Status: ExitSuccess, Cached: true}
		}
		start := time.Now()
		res := next(ctx, a)
		if res.Success() {
			if err := c.upload(a, inputHash, start, time.Now()); err != nil {
				c.warn("remote cache upload %s: %v", a.Outputs[0], err)
			}
		}
		return res
	}
}

func (c *RemoteCache) commandHash(a *Action) string {
	return fmt.Sprintf("%016x", a.Command.Hash())
}

// Lookup returns the candidates the server knows for a, newest first.
func (c *RemoteCache) Lookup(a *Action, inputHash string) ([]*model.CacheEntry, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("instance", c.instance)
	args.Set("output", filepath.ToSlash(a.Outputs[0]))
	args.Set("command_hash", c.commandHash(a))
	args.Set("input_hash", inputHash)

	status, body, err := c.get(c.baseURL + "/query?" + args.String())
	if err != nil {
		return nil, err
	}
	if status == fasthttp.StatusNotFound {
		return nil, nil
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("query: status %d: %s", status, body)
	}
	var entries []*model.CacheEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return entries, nil
}

// depsMatch reports whether every recorded header hashes the same here.
func depsMatch(entry *model.CacheEntry) bool {
	for _, dep := range entry.Deps {
		hash, err := HashFile(dep.FilePath)
		if err != nil || hash != dep.FileHash {
			return false
		}
	}
	return true
}

func (c *RemoteCache) fetch(a *Action, inputHash string) bool {
	entries, err := c.Lookup(a, inputHash)
	if err != nil {
		c.warn("remote cache lookup %s: %v", a.Outputs[0], err)
		return false
	}
	for _, entry := range entries {
		if !depsMatch(entry) {
			continue
		}
		object, err := c.fetchBlob("object", entry.Key)
		if err != nil {
			c.warn("remote cache fetch %s: %v", a.Outputs[0], err)
			return false
		}
		depRecord, err := c.fetchBlob("deprecord", entry.Key)
		if err != nil {
			c.warn("remote cache fetch %s: %v", a.Outputs[1], err)
			return false
		}
		// The dep record goes first so the object ends up the newest of the
		// pair, the same order the compiler writes them in.
		if err := writeArtifact(a.Outputs[1], depRecord); err != nil {
			c.warn("remote cache: %v", err)
			return false
		}
		if err := writeArtifact(a.Outputs[0], object); err != nil {
			os.Remove(a.Outputs[1])
			c.warn("remote cache: %v", err)
			return false
		}
		return true
	}
	return false
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o664)
}

func (c *RemoteCache) fetchBlob(kind, key string) ([]byte, error) {
	status, body, err := c.get(c.baseURL + "/fetch/" + kind + "/" + key)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("fetch %s %s: status %d", kind, key, status)
	}
	return body, nil
}

func (c *RemoteCache) get(uri string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := c.client.DoTimeout(req, resp, remoteCacheTimeout); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

// upload sends the object just compiled for a, together with the hashes
// of every header its dependency record lists.
func (c *RemoteCache) upload(a *Action, inputHash string, start, end time.Time) error {
	objPath, depPath := a.Outputs[0], a.Outputs[1]
	object, err := os.ReadFile(objPath)
	if err != nil {
		return err
	}
	depRecord, err := os.ReadFile(depPath)
	if err != nil {
		return err
	}
	var parser DepfileParser
	if err := parser.Parse(depRecord); err != nil {
		return fmt.Errorf("%s: %w", depPath, err)
	}
	entry := &model.CacheEntry{
		Output:        filepath.ToSlash(objPath),
		CommandHash:   c.commandHash(a),
		InputHash:     inputHash,
		Instance:      c.instance,
		OutputHash:    HashBytes(object),
		DepRecordHash: HashBytes(depRecord),
		StartMs:       start.UnixMilli(),
		EndMs:         end.UnixMilli(),
	}
	for _, in := range parser.Ins {
		hash, err := HashFile(in)
		if err != nil {
			return err
		}
		entry.Deps = append(entry.Deps, &model.DepEntry{FilePath: in, FileHash: hash})
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("body", base64.StdEncoding.EncodeToString(body)); err != nil {
		return err
	}
	if c.Expiry > 0 {
		if err := w.WriteField("expired_duration", c.Expiry.String()); err != nil {
			return err
		}
	}
	for _, part := range []struct {
		field, name string
		data        []byte
	}{
		{"object", filepath.Base(objPath), object},
		{"deprecord", filepath.Base(depPath), depRecord},
	} {
		fw, err := w.CreateFormFile(part.field, part.name)
		if err != nil {
			return err
		}
		if _, err := fw.Write(part.data); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(c.baseURL + "/upload")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(w.FormDataContentType())
	req.SetBody(buf.Bytes())
	if err := c.client.DoTimeout(req, resp, remoteCacheTimeout); err != nil {
		return err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.Body())
	}
	return nil
}
