// Package api exposes the cache over a local HTTP endpoint so CI steps
// that aren't Go processes can still share the cache through the
// sidecar daemon.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/peersync/apicache/pkg/cache"
)

const urlBase = "/v1"

type Server struct {
	cache    *cache.Cache
	router   *httprouter.Router
	listener net.Listener
	server   *http.Server
	logger   logrus.FieldLogger
}

type entryRequest struct {
	Operation        string         `json:"operation"`
	Args             []string       `json:"args,omitempty"`
	ValidationFields map[string]any `json:"validation_fields,omitempty"`
	Data             any            `json:"data,omitempty"`
	TTLSeconds       int64          `json:"ttl,omitempty"`
}

// StartServer begins serving the cache API on addr (e.g.
// "127.0.0.1:7788").
func StartServer(addr string, c *cache.Cache, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	s := &Server{
		cache:  c,
		logger: logger.WithField("module", "api"),
	}

	router := httprouter.New()
	router.POST(urlBase+"/get", s.middleware(s.get))
	router.POST(urlBase+"/put", s.middleware(s.put))
	router.POST(urlBase+"/invalidate", s.middleware(s.invalidate))
	router.POST(urlBase+"/invalidate_prefix", s.middleware(s.invalidatePrefix))
	router.POST(urlBase+"/clean", s.middleware(s.clean))
	router.GET(urlBase+"/stats", s.middleware(s.stats))
	s.router = router

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           router,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Errorf("http serve: %v", err)
		}
	}()
	s.listener = listener
	s.server = server
	return s, nil
}

// ExternalURL returns the base URL the server is reachable at.
func (s *Server) ExternalURL() string {
	return fmt.Sprintf("http://%s", s.listener.Addr().String())
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var retErr error
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			retErr = err
		}
		s.server = nil
	}
	if s.listener != nil {
		err := s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		if err != nil {
			retErr = err
		}
		s.listener = nil
	}
	return retErr
}

// POST /v1/get
func (s *Server) get(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	data, ok := s.cache.Get(req.Operation, req.ValidationFields, req.Args...)
	if !ok {
		s.responseJSON(w, r, 204)
		return
	}
	s.responseJSON(w, r, 200, map[string]any{
		"data": json.RawMessage(data),
	})
}

// POST /v1/put
func (s *Server) put(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.cache.Put(req.Operation, req.Data, ttl, req.Args...); err != nil {
		s.responseJSON(w, r, 400, err)
		return
	}
	s.responseJSON(w, r, 200)
}

// POST /v1/invalidate
func (s *Server) invalidate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	s.responseJSON(w, r, 200, map[string]any{
		"removed": s.cache.Invalidate(req.Operation, req.Args...),
	})
}

// POST /v1/invalidate_prefix
func (s *Server) invalidatePrefix(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prefix == "" {
		s.responseJSON(w, r, 400, fmt.Errorf("prefix required"))
		return
	}
	s.responseJSON(w, r, 200, map[string]any{
		"count": s.cache.InvalidatePattern(req.Prefix),
	})
}

// POST /v1/clean
func (s *Server) clean(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.cache.Clear()
	s.responseJSON(w, r, 200)
}

// GET /v1/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.responseJSON(w, r, 200, s.cache.Stats())
}

func (s *Server) middleware(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.logger.Debugf("%s %s", r.Method, r.RequestURI)
		handler(w, r, params)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (*entryRequest, bool) {
	req := &entryRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.responseJSON(w, r, 400, err)
		return nil, false
	}
	if req.Operation == "" {
		s.responseJSON(w, r, 400, fmt.Errorf("operation required"))
		return nil, false
	}
	return req, true
}

func (s *Server) responseJSON(w http.ResponseWriter, r *http.Request, code int, v ...any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	var data []byte
	if len(v) == 0 || v[0] == nil {
		data, _ = json.Marshal(struct{}{})
	} else if err, ok := v[0].(error); ok {
		s.logger.Errorf("%v %v: %v", r.Method, r.RequestURI, err)
		data, _ = json.Marshal(map[string]any{
			"error": err.Error(),
		})
	} else {
		data, _ = json.Marshal(v[0])
	}
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
