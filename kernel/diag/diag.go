// Package diag exposes a read-only HTTP view of a kernel's nodes and
// queues: which nodes are hosted, how full each queue's reader/writer
// side is right now, and a rolling occupancy histogram per queue so a
// graph stuck near full or near empty shows up without attaching a
// debugger.
package diag

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
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/ghistogram"

	"github.com/cpnkit/cpn/internal/httpserver"
	"github.com/cpnkit/cpn/kernel"
)

const histNumBins = 20
const histBinWidth = 1

// Config controls a Monitor's HTTP address and sampling cadence.
type Config struct {
	Addr           string
	SampleInterval time.Duration
}

// Monitor samples a Kernel's queues on a timer and serves the result
// over HTTP:
//
//	GET /nodes         -> names of every locally hosted node
//	GET /queues        -> current reader/writer occupancy, one entry per endpoint
//	GET /queues/:id     -> the occupancy histogram for one endpoint, id = "node.port"
type Monitor struct {
	k        *kernel.Kernel
	interval time.Duration
	server   *httpserver.Server

	mu   sync.Mutex
	hist map[string]*ghistogram.Histogram

	stop chan struct{}
}

// New builds a Monitor over k. Call Start to begin sampling and
// serving.
func New(k *kernel.Kernel, cfg Config) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	m := &Monitor{
		k:        k,
		interval: cfg.SampleInterval,
		hist:     make(map[string]*ghistogram.Histogram),
		stop:     make(chan struct{}),
	}
	m.server = httpserver.New(httpserver.Config{Name: "diag:" + k.Name(), Addr: cfg.Addr})
	m.server.AddHandler(http.MethodGet, "/nodes", m.handleNodes)
	m.server.AddHandler(http.MethodGet, "/queues", m.handleQueues)
	m.server.AddHandler(http.MethodGet, "/queues/:id", m.handleQueueDetail)
	return m
}

// Start begins periodic sampling and serving over HTTP on cfg.Addr.
// Start does not block.
func (m *Monitor) Start() {
	go m.sampleLoop()
	if m.server != nil {
		go m.server.Start()
	}
}

// Close stops sampling and shuts the HTTP server down.
func (m *Monitor) Close() error {
	close(m.stop)
	return m.server.Close(context.Background())
}

func (m *Monitor) sampleLoop() {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) sample() {
	for _, rs := range m.k.ReaderStats() {
		m.histFor(queueID(rs.Node, rs.Port)).Add(rs.Count, 1)
	}
}

func (m *Monitor) histFor(id string) *ghistogram.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hist[id]
	if !ok {
		h = ghistogram.NewHistogram(histNumBins, histBinWidth)
		m.hist[id] = h
	}
	return h
}

func queueID(node, port string) string { return node + "." + port }

type nodeListResponse struct {
	Nodes []string `json:"nodes"`
}

func (m *Monitor) handleNodes(w http.ResponseWriter, r *http.Request, _ httpserver.Params) {
	writeJSON(w, nodeListResponse{Nodes: m.k.NodeNames()})
}

type queueStat struct {
	Node      string `json:"node"`
	Port      string `json:"port"`
	Role      string `json:"role"`
	Count     uint64 `json:"count,omitempty"`
	Empty     bool   `json:"empty,omitempty"`
	Freespace uint64 `json:"freespace,omitempty"`
	Full      bool   `json:"full,omitempty"`
}

func (m *Monitor) handleQueues(w http.ResponseWriter, r *http.Request, _ httpserver.Params) {
	out := make([]queueStat, 0)
	for _, rs := range m.k.ReaderStats() {
		out = append(out, queueStat{Node: rs.Node, Port: rs.Port, Role: "reader", Count: rs.Count, Empty: rs.Empty})
	}
	for _, ws := range m.k.WriterStats() {
		out = append(out, queueStat{Node: ws.Node, Port: ws.Port, Role: "writer", Freespace: ws.Freespace, Full: ws.Full})
	}
	writeJSON(w, out)
}

func (m *Monitor) handleQueueDetail(w http.ResponseWriter, r *http.Request, ps httpserver.Params) {
	id := ps.ByName("id")
	m.mu.Lock()
	h, ok := m.hist[id]
	m.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(h.String()))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
