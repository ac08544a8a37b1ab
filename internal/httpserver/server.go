// Package httpserver wraps httprouter with the start/stop and timeout
// plumbing every diagnostic HTTP endpoint in this module needs, so
// kernel/diag (and anything else that exposes a read-only status
// surface) doesn't hand-roll its own http.Server wiring.
package httpserver

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/cpnkit/cpn/log"
)

// Config for http Server
type Config struct {
	Name              string // logged alongside every lifecycle event; defaults to "httpserver"
	Addr              string
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
}

// Server is a http server
type Server struct {
	config Config
	http   *http.Server
	router *httprouter.Router
	log    log.Logger
}

// New Server. A GET /healthz route answering 200 is registered up
// front, since every caller of this package wants one and none of
// them should have to remember to add it.
func New(config Config) (server *Server) {
	if config.Name == "" {
		config.Name = "httpserver"
	}
	server = &Server{}
	server.config = config
	server.log = log.New("component", "httpserver", "name", config.Name, "addr", config.Addr)
	server.router = httprouter.New()
	server.http = &http.Server{}
	server.http.Addr = config.Addr

	if config.WriteTimeout != 0 {
		server.http.WriteTimeout = config.WriteTimeout
	}

	if config.ReadTimeout != 0 {
		server.http.ReadTimeout = config.ReadTimeout
	}

	if config.ReadHeaderTimeout != 0 {
		server.http.ReadHeaderTimeout = config.ReadHeaderTimeout
	}

	server.http.Handler = server.router
	server.router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ Params) {
		w.WriteHeader(http.StatusOK)
	})
	return server
}

// Start serving. Blocks until Close is called or the listener fails
// for a reason other than a normal shutdown.
func (s *Server) Start() (err error) {
	s.log.Infow("http server starting")
	if err = s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorw("http server exited", "error", err)
		return err
	}
	return nil
}

// Close serving
func (s *Server) Close(ctx context.Context) (err error) {
	s.log.Infow("http server stopping")
	return s.http.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// AddHandler adds a handler for the given method and path
func (s *Server) AddHandler(method, path string, handler Handle) {
	s.router.Handle(method, path, handler)
}

// BasicAuth middleware. Denied attempts are logged with the remote
// address so repeated probing against a diagnostic endpoint shows up
// in the owning kernel's logs.
func BasicAuth(log log.Logger, h Handle, requiredUser, requiredPassword string) Handle {
	return func(w http.ResponseWriter, r *http.Request, ps Params) {
		user, password, hasAuth := r.BasicAuth()
		if hasAuth && user == requiredUser && password == requiredPassword {
			h(w, r, ps)
			return
		}
		if log != nil {
			log.Warnw("rejected unauthenticated request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		}
		w.Header().Set("WWW-Authenticate", "Basic realm=Restricted")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
}

// Handle is a http handler
type Handle = httprouter.Handle

// Params from the URL
type Params = httprouter.Params
