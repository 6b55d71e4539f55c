// Package nastest provides an in-process fake of the NAS web API for
// tests: endpoint probing, login and logout, a small in-memory file tree
// and media library, and fault injection.
package nastest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Error codes the fake answers with.
const (
	CodeNoPermission   = 105
	CodeSIDNotFound    = 119
	CodeAuthBadAccount = 400
	CodeFileBusy       = 402
	CodeFileNotAllowed = 407
	CodeFileNotFound   = 408
	CodeFileExists     = 414
	CodeDirNotEmpty    = 900
	codeBatchFailed    = 1100
)

// Fault is an injected failure. A non-zero Status answers with that HTTP
// status; otherwise Code answers with an error envelope.
type Fault struct {
	Status int
	Code   int
}

type fault struct {
	api   string
	match func(url.Values) bool
	f     Fault
	times int // negative: forever
}

type node struct {
	dir     bool
	data    []byte
	modTime time.Time
}

type mediaItem struct {
	id       int64
	filename string
	cacheKey string
	data     []byte
}

// Server is a fake NAS. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	username string
	password string

	probeDelay time.Duration
	loginDelay time.Duration

	logins  atomic.Int32
	logouts atomic.Int32
	probes  atomic.Int32

	credentialsInURL atomic.Int32

	mu     sync.Mutex
	sids   map[string]string // sid -> session kind
	nextID int
	nodes  map[string]*node
	media  map[int64]*mediaItem
	faults []*fault
	calls  map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithAccount sets the accepted username and password.
func WithAccount(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithProbeDelay delays every info (probe) answer.
func WithProbeDelay(d time.Duration) Option {
	return func(s *Server) { s.probeDelay = d }
}

// WithLoginDelay delays every login answer.
func WithLoginDelay(d time.Duration) Option {
	return func(s *Server) { s.loginDelay = d }
}

// Default credentials accepted by a Server without WithAccount.
const (
	DefaultUsername = "gateway"
	DefaultPassword = "s3cret"
)

// New starts a fake NAS and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		username: DefaultUsername,
		password: DefaultPassword,
		sids:     make(map[string]string),
		nodes:    map[string]*node{"/": {dir: true}},
		media:    make(map[int64]*mediaItem),
		calls:    make(map[string]int),
	}

	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webapi/query.cgi", s.handleQuery)
	mux.HandleFunc("/webapi/auth.cgi", s.handleAuth)
	mux.HandleFunc("/webapi/entry.cgi", s.handleEntry)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int { return int(s.logins.Load()) }

// CredentialsInURL returns how many auth requests carried a password in
// the URL query rather than the form body.
func (s *Server) CredentialsInURL() int { return int(s.credentialsInURL.Load()) }

// Logouts returns the number of logouts received.
func (s *Server) Logouts() int { return int(s.logouts.Load()) }

// Probes returns the number of info calls received.
func (s *Server) Probes() int { return int(s.probes.Load()) }

// Calls returns how many entry calls named api were received.
func (s *Server) Calls(api string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[api]
}

// ExpireSessions forgets every issued session id, as the appliance does on
// restart. Later calls with those ids get a session error envelope.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sids = make(map[string]string)
}

// InjectFault makes the next times calls to api that satisfy match (nil
// matches all) fail with f. A negative times fails them forever.
func (s *Server) InjectFault(api string, match func(url.Values) bool, f Fault, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = append(s.faults, &fault{api: api, match: match, f: f, times: times})
}

// Mkdir creates a folder and its parents.
func (s *Server) Mkdir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mkdirLocked(clean(p))
}

// PutFile stores a file, creating parent folders.
func (s *Server) PutFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = clean(p)
	s.mkdirLocked(path.Dir(p))
	s.nodes[p] = &node{data: append([]byte(nil), data...), modTime: time.Now()}
}

// Exists reports whether a file or folder exists.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nodes[clean(p)]

	return ok
}

// File returns a stored file's content.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[clean(p)]
	if !ok || n.dir {
		return nil, false
	}

	return append([]byte(nil), n.data...), true
}

// AddMediaItem registers a media-library item. An empty cacheKey models an
// item that has not been indexed yet.
func (s *Server) AddMediaItem(id int64, filename, cacheKey string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.media[id] = &mediaItem{id: id, filename: filename, cacheKey: cacheKey, data: data}
}

// ThumbnailBody is the content served for any thumbnail.
func ThumbnailBody(key, size string) []byte {
	return []byte("thumb:" + key + ":" + size)
}

func clean(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

func (s *Server) mkdirLocked(p string) {
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := s.nodes[cur]; !ok {
			s.nodes[cur] = &node{dir: true, modTime: time.Now()}
		}

		if cur == "/" {
			return
		}
	}
}

// takeFault returns the first matching fault, consuming one use of it.
func (s *Server) takeFault(api string, q url.Values) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.faults {
		if f.api != api || (f.match != nil && !f.match(q)) {
			continue
		}

		out := f.f
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}

		return &out
	}

	return nil
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeCode(w http.ResponseWriter, code int, p string) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]any{"success": false, "error": map[string]any{"code": code}}
	if p != "" {
		body["error"] = map[string]any{
			"code":   codeBatchFailed,
			"errors": []map[string]any{{"code": code, "path": p}},
		}
	}

	_ = json.NewEncoder(w).Encode(body)
}

func writeFault(w http.ResponseWriter, f *Fault) {
	if f.Status != 0 {
		http.Error(w, http.StatusText(f.Status), f.Status)
		return
	}

	writeCode(w, f.Code, "")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.probes.Add(1)

	if s.probeDelay > 0 {
		select {
		case <-time.After(s.probeDelay):
		case <-r.Context().Done():
			return
		}
	}

	q := r.URL.Query()
	if f := s.takeFault(q.Get("api"), q); f != nil {
		writeFault(w, f)
		return
	}

	writeData(w, map[string]any{
		"SYNO.API.Auth": map[string]any{"path": "auth.cgi", "minVersion": 1, "maxVersion": 7},
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("passwd") {
		s.credentialsInURL.Add(1)
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := r.Form

	if f := s.takeFault("SYNO.API.Auth", q); f != nil {
		writeFault(w, f)
		return
	}

	switch q.Get("method") {
	case "login":
		if s.loginDelay > 0 {
			select {
			case <-time.After(s.loginDelay):
			case <-r.Context().Done():
				return
			}
		}

		if q.Get("account") != s.username || q.Get("passwd") != s.password {
			writeCode(w, CodeAuthBadAccount, "")
			return
		}

		s.mu.Lock()
		s.nextID++
		sid := fmt.Sprintf("sid-%d", s.nextID)
		s.sids[sid] = q.Get("session")
		s.mu.Unlock()

		s.logins.Add(1)
		writeData(w, map[string]any{"sid": sid})
	case "logout":
		s.logouts.Add(1)

		s.mu.Lock()
		delete(s.sids, q.Get("_sid"))
		s.mu.Unlock()

		writeData(w, nil)
	default:
		writeCode(w, 103, "")
	}
}

func (s *Server) validSID(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sids[sid]

	return ok
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	api := q.Get("api")

	s.mu.Lock()
	s.calls[api]++
	s.mu.Unlock()

	if !s.validSID(q.Get("_sid")) {
		writeCode(w, CodeSIDNotFound, "")
		return
	}

	if f := s.takeFault(api, q); f != nil {
		writeFault(w, f)
		return
	}

	switch api {
	case "SYNO.FileStation.List":
		s.list(w, q)
	case "SYNO.FileStation.CreateFolder":
		s.createFolder(w, q)
	case "SYNO.FileStation.Delete":
		s.delete(w, q)
	case "SYNO.FileStation.Upload":
		s.upload(w, r)
	case "SYNO.FileStation.Download":
		s.download(w, q)
	case "SYNO.FileStation.Thumb":
		s.thumb(w, q)
	case "SYNO.Foto.Browse.Item":
		s.mediaItem(w, q)
	case "SYNO.Foto.Thumbnail":
		s.mediaThumb(w, q)
	case "SYNO.Foto.Download":
		s.mediaDownload(w, q)
	default:
		writeCode(w, 102, "")
	}
}

func (s *Server) list(w http.ResponseWriter, q url.Values) {
	dir := clean(q.Get("folder_path"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	s.mu.Lock()
	n, ok := s.nodes[dir]
	if !ok || !n.dir {
		s.mu.Unlock()
		writeCode(w, CodeFileNotFound, dir)

		return
	}

	var names []string
	for p := range s.nodes {
		if p != "/" && path.Dir(p) == dir {
			names = append(names, p)
		}
	}

	sort.Strings(names)
	total := len(names)

	if offset > len(names) {
		offset = len(names)
	}

	names = names[offset:]
	if limit > 0 && limit < len(names) {
		names = names[:limit]
	}

	files := make([]map[string]any, 0, len(names))
	for _, p := range names {
		c := s.nodes[p]
		files = append(files, map[string]any{
			"name":  path.Base(p),
			"path":  p,
			"isdir": c.dir,
			"additional": map[string]any{
				"size": len(c.data),
				"time": map[string]any{"mtime": c.modTime.Unix()},
			},
		})
	}
	s.mu.Unlock()

	writeData(w, map[string]any{"total": total, "offset": offset, "files": files})
}

func (s *Server) createFolder(w http.ResponseWriter, q url.Values) {
	p := clean(path.Join(q.Get("folder_path"), q.Get("name")))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[p]; ok {
		writeCode(w, CodeFileExists, p)
		return
	}

	if _, ok := s.nodes[path.Dir(p)]; !ok && q.Get("force_parent") != "true" {
		writeCode(w, CodeFileNotFound, p)
		return
	}

	s.mkdirLocked(p)
	writeData(w, map[string]any{"folders": []map[string]any{{"name": path.Base(p), "path": p, "isdir": true}}})
}

func (s *Server) delete(w http.ResponseWriter, q url.Values) {
	p := clean(q.Get("path"))
	recursive := q.Get("recursive") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		writeCode(w, CodeFileNotFound, p)
		return
	}

	prefix := p + "/"

	if n.dir && !recursive {
		for c := range s.nodes {
			if strings.HasPrefix(c, prefix) {
				writeCode(w, CodeDirNotEmpty, p)
				return
			}
		}
	}

	for c := range s.nodes {
		if c == p || strings.HasPrefix(c, prefix) {
			delete(s.nodes, c)
		}
	}

	writeData(w, nil)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dir := clean(r.FormValue("path"))
	target := clean(path.Join(dir, hdr.Filename))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[dir]; !ok {
		if r.FormValue("create_parents") != "true" {
			writeCode(w, CodeFileNotFound, dir)
			return
		}

		s.mkdirLocked(dir)
	}

	if existing, ok := s.nodes[target]; ok {
		if existing.dir || r.FormValue("overwrite") != "true" {
			writeCode(w, CodeFileExists, target)
			return
		}
	}

	s.nodes[target] = &node{data: data, modTime: time.Now()}
	writeData(w, nil)
}

func (s *Server) download(w http.ResponseWriter, q url.Values) {
	p := clean(q.Get("path"))

	data, ok := s.File(p)
	if !ok {
		writeCode(w, CodeFileNotFound, p)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) thumb(w http.ResponseWriter, q url.Values) {
	p := clean(q.Get("path"))

	if _, ok := s.File(p); !ok {
		writeCode(w, CodeFileNotFound, p)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(ThumbnailBody(p, q.Get("size")))
}

// parseIDList reads a parameter of the form [n].
func parseIDList(v string) (int64, bool) {
	var ids []int64
	if err := json.Unmarshal([]byte(v), &ids); err != nil || len(ids) == 0 {
		return 0, false
	}

	return ids[0], true
}

func (s *Server) lookupMedia(id int64) *mediaItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.media[id]
}

func (s *Server) mediaItem(w http.ResponseWriter, q url.Values) {
	id, ok := parseIDList(q.Get("id"))
	if !ok {
		writeCode(w, 120, "")
		return
	}

	it := s.lookupMedia(id)
	if it == nil {
		writeData(w, map[string]any{"list": []any{}})
		return
	}

	entry := map[string]any{"id": it.id, "filename": it.filename}
	if it.cacheKey != "" {
		entry["additional"] = map[string]any{
			"thumbnail": map[string]any{"cache_key": it.cacheKey, "unit_id": it.id},
		}
	} else {
		entry["additional"] = map[string]any{}
	}

	writeData(w, map[string]any{"list": []any{entry}})
}

func (s *Server) mediaThumb(w http.ResponseWriter, q url.Values) {
	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	if err != nil {
		writeCode(w, 120, "")
		return
	}

	it := s.lookupMedia(id)
	if it == nil || it.cacheKey == "" || it.cacheKey != q.Get("cache_key") {
		http.NotFound(w, nil)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(ThumbnailBody(it.cacheKey, q.Get("size")))
}

func (s *Server) mediaDownload(w http.ResponseWriter, q url.Values) {
	id, ok := parseIDList(q.Get("unit_id"))
	if !ok {
		writeCode(w, 120, "")
		return
	}

	it := s.lookupMedia(id)
	if it == nil {
		http.NotFound(w, nil)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(it.data)))
	_, _ = w.Write(it.data)
}
