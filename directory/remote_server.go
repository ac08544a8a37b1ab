package directory

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
	"errors"
	"net"
	"sync"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
)

// Server is the central directory process: it holds one Local
// directory and exposes it over the length-prefixed JSON protocol to
// any number of Client connections, relaying every Local broadcast
// Event to every connected client. Listeners are dropped as soon as
// their connection's writer fails, which is this implementation's
// rendition of the original's weak-reference listener garbage
// collection -- a client that has gone away stops costing anything on
// its next failed write rather than lingering until explicitly
// unregistered.
type Server struct {
	dir *Local
	log log.Logger
	ln  net.Listener

	mu        sync.Mutex
	conns     map[net.Conn]*serverConn
	hostConns map[cpn.Key]*serverConn // which connection registered which host key
}

// serverConn pairs a connection with the mutex that serializes every
// write to it, so a relayed kernel message from another goroutine
// can't interleave bytes with that connection's own reply/broadcast
// writes.
type serverConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (sc *serverConn) write(m message) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return writeMessage(sc.conn, m)
}

// NewServer wraps dir (or a fresh Local if nil) for remote access.
func NewServer(dir *Local) *Server {
	if dir == nil {
		dir = NewLocal()
	}
	return &Server{
		dir:       dir,
		log:       log.New("component", "directory.server"),
		conns:     make(map[net.Conn]*serverConn),
		hostConns: make(map[cpn.Key]*serverConn),
	}
}

// Serve accepts connections on ln until it is closed. Run it in its
// own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns[conn] = sc
		s.mu.Unlock()
		go s.handleConn(sc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(sc *serverConn) {
	conn := sc.conn
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		for k, v := range s.hostConns {
			if v == sc {
				delete(s.hostConns, k)
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	events, cancel := s.dir.Subscribe()
	defer cancel()

	closing := make(chan struct{})
	defer close(closing)

	go func() {
		for {
			select {
			case ev := <-events:
				err := sc.write(message{
					MsgType:   msgBroadcast,
					EventType: ev.Type,
					Key:       ev.Key,
					Name:      ev.Name,
					HostKey:   ev.HostKey,
				})
				if err != nil {
					return
				}
			case <-closing:
				return
			}
		}
	}()

	for {
		req, err := readMessage(conn)
		if err != nil {
			break
		}

		if req.MsgType == msgKernel {
			s.relayKernelMessage(req)
			continue
		}

		reply := s.dispatch(req)
		if req.Type == cmdSetupHost && reply.Success {
			s.mu.Lock()
			s.hostConns[reply.Key] = sc
			s.mu.Unlock()
		}
		if err := sc.write(reply); err != nil {
			break
		}
	}
}

// relayKernelMessage forwards a kernel-to-kernel message to whichever
// connection registered req.HostKey as its host, per spec.md §4.4's
// "kernel-to-kernel messages relayed by the server" row. One-way: the
// sender does not wait for a reply.
func (s *Server) relayKernelMessage(req message) {
	s.mu.Lock()
	target, ok := s.hostConns[req.HostKey]
	s.mu.Unlock()
	if !ok {
		s.log.Warnw("kernel message for unregistered host key", "hostkey", req.HostKey, "type", req.Type)
		return
	}
	if err := target.write(req); err != nil {
		s.log.Warnw("failed relaying kernel message", "hostkey", req.HostKey, "error", err)
	}
}

func (s *Server) dispatch(req message) message {
	reply := message{MsgType: msgReply, MsgID: req.MsgID}

	fail := func(err error) message {
		reply.Success = false
		reply.Error = err.Error()
		return reply
	}

	switch req.Type {
	case cmdSetupHost:
		key, err := s.dir.SetupHost(req.Name, req.HostName, req.ServName)
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key = true, key

	case cmdSignalHostStart:
		if err := s.dir.SignalHostStart(req.Key); err != nil {
			return fail(err)
		}
		reply.Success = true

	case cmdGetHostInfo:
		var h HostInfo
		var err error
		if req.Name != "" {
			h, err = s.dir.HostByName(req.Name)
		} else {
			h, err = s.dir.HostByKey(req.Key)
		}
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key, reply.Name = true, h.Key, h.Name
		reply.HostName, reply.ServName, reply.Live = h.HostName, h.ServName, h.Live

	case cmdCreateNodeKey:
		key, err := s.dir.CreateNodeKey(req.HostKey, req.Name)
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key = true, key

	case cmdGetNodeInfo:
		var n NodeInfo
		var err error
		if req.Name != "" {
			n, err = s.dir.NodeByName(req.Name)
		} else {
			n, err = s.dir.NodeByKey(req.Key)
		}
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key, reply.Name = true, n.Key, n.Name
		reply.HostKey, reply.Started, reply.Dead = n.HostKey, n.Started, n.Dead

	case cmdSignalNodeStart:
		if err := s.dir.SignalNodeStart(req.Key); err != nil {
			return fail(err)
		}
		reply.Success = true

	case cmdSignalNodeEnd:
		if err := s.dir.SignalNodeEnd(req.Key); err != nil {
			return fail(err)
		}
		reply.Success = true

	case cmdGetNumNodeLive:
		n, err := s.dir.NumNodeLive()
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.NumLiveNodes = true, n

	case cmdGetCreateReaderKey:
		key, err := s.dir.CreateReaderKey(req.NodeKey, req.Port)
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key = true, key

	case cmdGetCreateWriterKey:
		key, err := s.dir.CreateWriterKey(req.NodeKey, req.Port)
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key = true, key

	case cmdGetReaderInfo:
		e, err := s.dir.ReaderInfo(req.Key)
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key, reply.Name = true, e.Key, e.Name
		reply.NodeKey, reply.HostKey, reply.WriterKey = e.NodeKey, e.HostKey, e.PeerKey

	case cmdGetWriterInfo:
		e, err := s.dir.WriterInfo(req.Key)
		if err != nil {
			return fail(err)
		}
		reply.Success, reply.Key, reply.Name = true, e.Key, e.Name
		reply.NodeKey, reply.HostKey, reply.ReaderKey = e.NodeKey, e.HostKey, e.PeerKey

	case cmdConnectEndpoints:
		if err := s.dir.ConnectEndpoints(req.WriterKey, req.ReaderKey); err != nil {
			return fail(err)
		}
		reply.Success = true

	default:
		return fail(errors.New("unknown command type"))
	}

	return reply
}
