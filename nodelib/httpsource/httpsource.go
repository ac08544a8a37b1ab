// Package httpsource is a node body that turns HTTP POSTs into queue
// writes: one output port per registered topic, the request body
// becomes that topic's next chunk. Adapted from the teacher's
// processor/source/http/http.go Kafka-Streams-style HTTP source,
// cut down from "forward a streams.Record downstream" to "RawEnqueue
// the body to the port named after the URL's :topic segment", since a
// cpn node's only downstream is its own output ports.
package httpsource

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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/internal/httpserver"
	"github.com/cpnkit/cpn/log"
	"github.com/cpnkit/cpn/node"
)

// Source is a node.Process that serves POST /:topic, writing each
// request body to the output port named topic.
//
// Param shape: {"addr": ":8080", "topics": ["a", "b"], "user": "",
// "password": ""}. user/password, if both set, gate every route
// behind HTTP basic auth, mirroring the teacher's Config.User/Password
// fields.
type Source struct {
	server *httpserver.Server
	writer map[string]*node.WriterHandle
	donech chan struct{}
}

// Init implements node.Initializer: parses Param, opens one writer per
// topic, and starts the HTTP server before Process begins accepting.
func (s *Source) Init(h *node.Handle) error {
	param := h.Param()
	addr := param.Get("addr").String("")
	if addr == "" {
		return fmt.Errorf("%w: httpsource requires param.addr", cpn.ErrInvalidConfig)
	}

	var topics []string
	for _, v := range param.Get("topics").Array() {
		topics = append(topics, v.String(""))
	}
	if len(topics) == 0 {
		return fmt.Errorf("%w: httpsource requires at least one param.topics entry", cpn.ErrInvalidConfig)
	}

	s.writer = make(map[string]*node.WriterHandle, len(topics))
	for _, topic := range topics {
		w, err := h.GetWriter(topic)
		if err != nil {
			return fmt.Errorf("httpsource: opening writer for topic %q: %w", topic, err)
		}
		s.writer[topic] = w
	}

	s.donech = make(chan struct{})
	s.server = httpserver.New(httpserver.Config{Name: "httpsource:" + h.Name(), Addr: addr})

	handler := s.handleTopic
	user := param.Get("user").String("")
	password := param.Get("password").String("")
	if user != "" && password != "" {
		handler = httpserver.BasicAuth(log.New("component", "httpsource", "name", h.Name()), handler, user, password)
	}
	s.server.AddHandler(http.MethodPost, "/:topic", handler)

	go s.server.Start()
	return nil
}

func (s *Source) handleTopic(w http.ResponseWriter, r *http.Request, ps httpserver.Params) {
	defer r.Body.Close()

	topic := ps.ByName("topic")
	writer, ok := s.writer[topic]
	if !ok {
		http.Error(w, "topic not registered", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if buf.Len() == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	if err := writer.RawEnqueue(buf.Bytes()); err != nil {
		if errors.Is(err, cpn.ErrClosed) || errors.Is(err, cpn.ErrKernelShutdown) {
			http.Error(w, "source shutting down", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "error writing record", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Process implements node.Process: blocks until Close fires.
func (s *Source) Process(h *node.Handle) error {
	<-s.donech
	return nil
}

// Close implements node.Closer, shutting down the HTTP server.
func (s *Source) Close() error {
	err := s.server.Close(context.Background())
	close(s.donech)
	return err
}
