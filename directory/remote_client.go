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
	"fmt"
	"net"
	"sync"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
)

// waiter is one in-flight request awaiting its correlated reply,
// mirroring RemoteDBClient.cc's WaiterInfo (a condition variable keyed
// by a transaction id instead of Go's natural reply channel).
type waiter chan message

// Client is the remote Directory implementation: it speaks the
// length-prefixed JSON protocol in protocol.go to a directory Server
// over one TCP connection, correlating replies by msgid and fanning
// broadcasts out to Subscribe listeners.
type Client struct {
	conn net.Conn
	log  log.Logger

	wmu sync.Mutex // serializes writes, like wire.Conn

	mu        sync.Mutex
	nextID    uint32
	waiters   map[uint32]waiter
	nextSub   int
	listeners map[int]chan Event

	kernelMu      sync.Mutex
	kernelHandler func(KernelMessage)
}

// KernelMsgType discriminates the kinds of relayed kernel-to-kernel
// message a Client's handler may receive. Exported mirror of the
// package-private cmdType values used for CREATE_NODE/CREATE_WRITER/
// CREATE_READER, so callers outside this package can switch on it.
type KernelMsgType string

const (
	KernelCreateNode   KernelMsgType = KernelMsgType(cmdCreateNode)
	KernelCreateWriter KernelMsgType = KernelMsgType(cmdCreateWriter)
	KernelCreateReader KernelMsgType = KernelMsgType(cmdCreateReader)
)

// KernelMessage is a relayed kernel-to-kernel instantiation request
// delivered to whichever Client registered the destination host key,
// per spec.md §4.4's "kernel-to-kernel messages relayed by the server"
// row.
type KernelMessage struct {
	Type      KernelMsgType
	HostKey   cpn.Key
	NodeKey   cpn.Key
	WriterKey cpn.Key
	ReaderKey cpn.Key
	Port      string
	NodeAttr  *cpn.NodeAttr
	QueueAttr *cpn.QueueAttr
}

// OnKernelMessage registers the callback invoked from the read loop
// whenever a relayed kernel message addressed to this client's host
// arrives. Only one handler is kept; a kernel registers it once at
// startup.
func (c *Client) OnKernelMessage(fn func(KernelMessage)) {
	c.kernelMu.Lock()
	c.kernelHandler = fn
	c.kernelMu.Unlock()
}

// Dial connects to a directory Server at addr and starts the read
// loop in the background.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing directory server: %v", cpn.ErrTransportError, err)
	}
	c := &Client{
		conn:      conn,
		log:       log.New("component", "directory.client", "server", addr),
		waiters:   make(map[uint32]waiter),
		listeners: make(map[int]chan Event),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		m, err := readMessage(c.conn)
		if err != nil {
			c.log.Warnw("directory connection read loop exiting", "error", err)
			c.failAllWaiters(err)
			return
		}
		switch m.MsgType {
		case msgReply:
			c.mu.Lock()
			w, ok := c.waiters[m.MsgID]
			delete(c.waiters, m.MsgID)
			c.mu.Unlock()
			if ok {
				w <- m
			}
		case msgBroadcast:
			c.dispatchBroadcast(m)
		case msgKernel:
			c.dispatchKernel(m)
		}
	}
}

func (c *Client) dispatchKernel(m message) {
	c.kernelMu.Lock()
	fn := c.kernelHandler
	c.kernelMu.Unlock()
	if fn == nil {
		c.log.Warnw("dropping kernel message, no handler registered", "type", m.Type)
		return
	}
	fn(KernelMessage{
		Type:      KernelMsgType(m.Type),
		HostKey:   m.HostKey,
		NodeKey:   m.NodeKey,
		WriterKey: m.WriterKey,
		ReaderKey: m.ReaderKey,
		Port:      m.Port,
		NodeAttr:  m.NodeAttr,
		QueueAttr: m.QueueAttr,
	})
}

// sendKernel posts a one-way kernel message for the server to relay to
// whichever client registered targetHost, per protocol.go's msgKernel
// envelope. There is no reply; the caller finds out the instantiation
// happened via the usual directory lookups (NodeByName, etc).
func (c *Client) sendKernel(m message) error {
	m.MsgType = msgKernel
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeMessage(c.conn, m)
}

// SendCreateNode asks the kernel hosting targetHost to instantiate a
// node described by attr.
func (c *Client) SendCreateNode(targetHost cpn.Key, attr cpn.NodeAttr) error {
	return c.sendKernel(message{Type: cmdCreateNode, HostKey: targetHost, NodeAttr: &attr})
}

// SendCreateWriter asks the kernel hosting targetHost, which owns
// nodeKey, to instantiate the writer half of a cross-kernel queue
// bound to writerKey (with its peer reader already allocated under
// readerKey on the caller's side).
func (c *Client) SendCreateWriter(targetHost, nodeKey, writerKey, readerKey cpn.Key, attr cpn.QueueAttr) error {
	return c.sendKernel(message{Type: cmdCreateWriter, HostKey: targetHost, NodeKey: nodeKey, WriterKey: writerKey, ReaderKey: readerKey, QueueAttr: &attr})
}

// SendCreateReader asks the kernel hosting targetHost, which owns
// nodeKey, to instantiate the reader half of a cross-kernel queue
// bound to readerKey.
func (c *Client) SendCreateReader(targetHost, nodeKey, writerKey, readerKey cpn.Key, attr cpn.QueueAttr) error {
	return c.sendKernel(message{Type: cmdCreateReader, HostKey: targetHost, NodeKey: nodeKey, WriterKey: writerKey, ReaderKey: readerKey, QueueAttr: &attr})
}

func (c *Client) failAllWaiters(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, w := range c.waiters {
		w <- message{MsgType: msgReply, Success: false, Error: err.Error()}
		delete(c.waiters, id)
	}
}

func (c *Client) dispatchBroadcast(m message) {
	c.mu.Lock()
	listeners := make([]chan Event, 0, len(c.listeners))
	for _, ch := range c.listeners {
		listeners = append(listeners, ch)
	}
	c.mu.Unlock()

	ev := Event{Type: m.EventType, Key: m.Key, Name: m.Name, HostKey: m.HostKey}
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe implements Directory.
func (c *Client) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 64)
	c.listeners[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// call sends req as a command, blocking until its correlated reply
// arrives, per RemoteDBClient.cc's AddWaiter/SendMessage/cond.Wait
// sequence.
func (c *Client) call(req message) (message, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	w := make(waiter, 1)
	c.waiters[id] = w
	c.mu.Unlock()

	req.MsgType = msgCommand
	req.MsgID = id

	c.wmu.Lock()
	err := writeMessage(c.conn, req)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return message{}, err
	}

	reply := <-w
	if !reply.Success {
		return message{}, fmt.Errorf("%w: %s", ErrNotFound, reply.Error)
	}
	return reply, nil
}

func (c *Client) SetupHost(name, hostName, servName string) (cpn.Key, error) {
	reply, err := c.call(message{Type: cmdSetupHost, Name: name, HostName: hostName, ServName: servName})
	if err != nil {
		return cpn.InvalidKey, err
	}
	return reply.Key, nil
}

func (c *Client) SignalHostStart(key cpn.Key) error {
	_, err := c.call(message{Type: cmdSignalHostStart, Key: key})
	return err
}

func (c *Client) HostByName(name string) (HostInfo, error) {
	reply, err := c.call(message{Type: cmdGetHostInfo, Name: name})
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{Key: reply.Key, Name: reply.Name, HostName: reply.HostName, ServName: reply.ServName, Live: reply.Live}, nil
}

func (c *Client) HostByKey(key cpn.Key) (HostInfo, error) {
	reply, err := c.call(message{Type: cmdGetHostInfo, Key: key})
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{Key: reply.Key, Name: reply.Name, HostName: reply.HostName, ServName: reply.ServName, Live: reply.Live}, nil
}

func (c *Client) CreateNodeKey(host cpn.Key, name string) (cpn.Key, error) {
	reply, err := c.call(message{Type: cmdCreateNodeKey, HostKey: host, Name: name})
	if err != nil {
		return cpn.InvalidKey, err
	}
	return reply.Key, nil
}

func (c *Client) NodeByName(name string) (NodeInfo, error) {
	reply, err := c.call(message{Type: cmdGetNodeInfo, Name: name})
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{Key: reply.Key, Name: reply.Name, HostKey: reply.HostKey, Started: reply.Started, Dead: reply.Dead}, nil
}

func (c *Client) NodeByKey(key cpn.Key) (NodeInfo, error) {
	reply, err := c.call(message{Type: cmdGetNodeInfo, Key: key})
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{Key: reply.Key, Name: reply.Name, HostKey: reply.HostKey, Started: reply.Started, Dead: reply.Dead}, nil
}

func (c *Client) SignalNodeStart(key cpn.Key) error {
	_, err := c.call(message{Type: cmdSignalNodeStart, Key: key})
	return err
}

func (c *Client) SignalNodeEnd(key cpn.Key) error {
	_, err := c.call(message{Type: cmdSignalNodeEnd, Key: key})
	return err
}

func (c *Client) NumNodeLive() (uint64, error) {
	reply, err := c.call(message{Type: cmdGetNumNodeLive})
	if err != nil {
		return 0, err
	}
	return reply.NumLiveNodes, nil
}

func (c *Client) CreateReaderKey(node cpn.Key, port string) (cpn.Key, error) {
	reply, err := c.call(message{Type: cmdGetCreateReaderKey, NodeKey: node, Port: port})
	if err != nil {
		return cpn.InvalidKey, err
	}
	return reply.Key, nil
}

func (c *Client) CreateWriterKey(node cpn.Key, port string) (cpn.Key, error) {
	reply, err := c.call(message{Type: cmdGetCreateWriterKey, NodeKey: node, Port: port})
	if err != nil {
		return cpn.InvalidKey, err
	}
	return reply.Key, nil
}

func (c *Client) ReaderInfo(key cpn.Key) (EndpointInfo, error) {
	reply, err := c.call(message{Type: cmdGetReaderInfo, Key: key})
	if err != nil {
		return EndpointInfo{}, err
	}
	return EndpointInfo{Key: reply.Key, Name: reply.Name, NodeKey: reply.NodeKey, HostKey: reply.HostKey, PeerKey: reply.WriterKey}, nil
}

func (c *Client) WriterInfo(key cpn.Key) (EndpointInfo, error) {
	reply, err := c.call(message{Type: cmdGetWriterInfo, Key: key})
	if err != nil {
		return EndpointInfo{}, err
	}
	return EndpointInfo{Key: reply.Key, Name: reply.Name, NodeKey: reply.NodeKey, HostKey: reply.HostKey, PeerKey: reply.ReaderKey}, nil
}

func (c *Client) ConnectEndpoints(writer, reader cpn.Key) error {
	_, err := c.call(message{Type: cmdConnectEndpoints, WriterKey: writer, ReaderKey: reader})
	return err
}

// WaitNodeStart implements Directory's register-poll-consume recipe
// against the remote broadcast stream.
func (c *Client) WaitNodeStart(name string) error {
	events, cancel := c.Subscribe()
	defer cancel()

	if n, err := c.NodeByName(name); err == nil && n.Started {
		return nil
	}
	for ev := range events {
		if ev.Type == NodeStarted && ev.Name == name {
			return nil
		}
	}
	return nil
}

// WaitNodeTerminate implements Directory.
func (c *Client) WaitNodeTerminate(name string) error {
	events, cancel := c.Subscribe()
	defer cancel()

	if n, err := c.NodeByName(name); err == nil && n.Dead {
		return nil
	}
	for ev := range events {
		if ev.Type == NodeEnded && ev.Name == name {
			return nil
		}
	}
	return nil
}

// WaitForAllNodeEnd implements Directory.
func (c *Client) WaitForAllNodeEnd() error {
	events, cancel := c.Subscribe()
	defer cancel()

	for {
		n, err := c.NumNodeLive()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		<-events
	}
}

// Close tears down the connection to the directory server.
func (c *Client) Close() error {
	return c.conn.Close()
}
