// Package kernel implements the per-process supervisor of spec.md
// §4.3: a registry of local nodes and queues, a factory for
// instantiating node bodies, and the location-transparent
// create_node/create_queue operations that make a graph span more
// than one kernel. A Kernel implements node.Kernel so running node
// bodies can call back into it through their Handle, and d4r.Grower
// so the deadlock detector can ask it to relieve a cycle.
package kernel

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
	"strings"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/d4r"
	"github.com/cpnkit/cpn/directory"
	"github.com/cpnkit/cpn/log"
	"github.com/cpnkit/cpn/node"
	"github.com/cpnkit/cpn/pool"
	"github.com/cpnkit/cpn/queue"
	"github.com/cpnkit/cpn/remotequeue"
	"github.com/cpnkit/cpn/wire"
)

// Config bundles the construction-time options for a Kernel.
type Config struct {
	// Name is this kernel's cluster-wide unique identity.
	Name string
	// HostAddr/ServAddr are the host:port this kernel listens on for
	// peer wire connections, registered with the directory as the
	// Host entity's transport address (spec.md §4.4's Host). Leaving
	// HostAddr empty disables accepting remote queue connections; a
	// kernel can still dial out to peers.
	HostAddr string
	ServAddr string
	// UseD4R mirrors the per-kernel use_d4r flag (spec.md §4.6).
	UseD4R bool
	// KernelMessageWorkers sizes the go-jump dispatch pool that
	// services inbound relayed kernel messages (CREATE_NODE/
	// CREATE_WRITER/CREATE_READER); defaults to 4.
	KernelMessageWorkers int
}

// grower is the per-endpoint object a Kernel asks to enlarge itself
// when D4R picks it as the cycle-breaker; queue.Local is wrapped by
// localGrower and both remotequeue halves by remoteGrower to fit it.
type grower interface {
	GrowFor() (uint64, uint64, error)
}

// localGrower wraps queue.Local, whose GrowFor already returns the new
// capacity, max threshold and error; remoteGrower adapts the
// single-error GrowFor of remotequeue's halves to the same shape, so
// Kernel's d4r.Grower implementation can treat every endpoint uniformly.
type localGrower struct{ q *queue.Local }

func (g localGrower) GrowFor() (uint64, uint64, error) { return g.q.GrowFor() }

type remoteGrower struct{ g interface{ GrowFor() error } }

func (g remoteGrower) GrowFor() (uint64, uint64, error) { return 0, 0, g.g.GrowFor() }

// Kernel is the per-process supervisor from spec.md §4.3.
type Kernel struct {
	name string
	log  log.Logger

	dir       directory.Directory
	dirClient *directory.Client // non-nil only when dir talks over the wire; enables kernel-message relay
	hostKey   cpn.Key
	hostAddr  string
	servAddr  string

	factory  *node.Factory
	detector *d4r.Detector
	msgPool  *pool.Pool

	ln net.Listener

	mu              sync.Mutex
	nodes           map[string]*node.Node
	readers         map[cpn.Key]cpn.Reader
	writers         map[cpn.Key]cpn.Writer
	readerKeyByPort map[string]cpn.Key // "node\x00port" -> the key CreateQueue allocated
	writerKeyByPort map[string]cpn.Key
	growers         map[cpn.Key]grower
	registries      map[cpn.Key]*remotequeue.Registry // peer host key -> registry
	portWake        chan struct{}                     // closed and replaced whenever a reader/writer endpoint is bound
	wg              sync.WaitGroup
	terminated      bool
	done            chan struct{}
}

// broadcastPorts wakes every goroutine parked in waitForPort. Caller
// must hold k.mu.
func (k *Kernel) broadcastPorts() {
	close(k.portWake)
	k.portWake = make(chan struct{})
}

// portKey identifies an endpoint by its owning node and port name,
// since Directory.CreateReaderKey/CreateWriterKey allocate a fresh key
// on every call rather than returning the existing one for a
// (node, port) pair already registered.
func portKey(nodeName, port string) string { return nodeName + "\x00" + port }

// New constructs a Kernel, registers it with dir under cfg.Name, and
// (if cfg.HostAddr is set) starts accepting peer wire connections. If
// dir is a *directory.Client, New also registers the inbound
// kernel-message handler so CREATE_NODE/CREATE_WRITER/CREATE_READER
// relays from other kernels are serviced.
func New(cfg Config, dir directory.Directory, factory *node.Factory) (*Kernel, error) {
	if cfg.KernelMessageWorkers <= 0 {
		cfg.KernelMessageWorkers = 4
	}

	hostKey, err := dir.SetupHost(cfg.Name, cfg.HostAddr, cfg.ServAddr)
	if err != nil {
		return nil, fmt.Errorf("registering kernel %q: %w", cfg.Name, err)
	}

	k := &Kernel{
		name:            cfg.Name,
		log:             log.New("component", "kernel", "kernel", cfg.Name),
		dir:             dir,
		hostKey:         hostKey,
		hostAddr:        cfg.HostAddr,
		servAddr:        cfg.ServAddr,
		factory:         factory,
		msgPool:         pool.New(cfg.KernelMessageWorkers),
		nodes:           make(map[string]*node.Node),
		readers:         make(map[cpn.Key]cpn.Reader),
		writers:         make(map[cpn.Key]cpn.Writer),
		readerKeyByPort: make(map[string]cpn.Key),
		writerKeyByPort: make(map[string]cpn.Key),
		growers:         make(map[cpn.Key]grower),
		registries:      make(map[cpn.Key]*remotequeue.Registry),
		portWake:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	k.detector = d4r.New(cfg.UseD4R, k)

	if client, ok := dir.(*directory.Client); ok {
		k.dirClient = client
		client.OnKernelMessage(k.onKernelMessage)
	}

	if err := dir.SignalHostStart(hostKey); err != nil {
		return nil, err
	}

	if cfg.HostAddr != "" {
		addr := net.JoinHostPort(cfg.HostAddr, cfg.ServAddr)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening for peer kernels on %s: %w", addr, err)
		}
		k.ln = ln
		go k.acceptPeers()
	}

	return k, nil
}

// Name implements node.Kernel.
func (k *Kernel) Name() string { return k.name }

func (k *Kernel) acceptPeers() {
	for {
		conn, err := k.ln.Accept()
		if err != nil {
			return
		}
		wc := wire.NewConn(conn)
		reg := remotequeue.NewRegistry(wc, k.detector)
		go wc.Serve(reg)
	}
}

// registryFor returns the Registry multiplexing the connection to the
// kernel owning hostKey, dialing a fresh TCP connection and starting
// its Serve loop on first use.
func (k *Kernel) registryFor(hostKey cpn.Key) (*remotequeue.Registry, error) {
	k.mu.Lock()
	if reg, ok := k.registries[hostKey]; ok {
		k.mu.Unlock()
		return reg, nil
	}
	k.mu.Unlock()

	info, err := k.dir.HostByKey(hostKey)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(info.HostName, info.ServName)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing peer kernel %s at %s: %v", cpn.ErrTransportError, info.Name, addr, err)
	}
	wc := wire.NewConn(conn)
	reg := remotequeue.NewRegistry(wc, k.detector)
	go wc.Serve(reg)

	k.mu.Lock()
	k.registries[hostKey] = reg
	k.mu.Unlock()
	return reg, nil
}

// GrowFor implements d4r.Grower: it looks up whichever local object
// owns the endpoint key D4R picked to relieve a cycle and asks it to
// enlarge itself.
func (k *Kernel) GrowFor(queueKey cpn.Key) error {
	k.mu.Lock()
	g, ok := k.growers[queueKey]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no growable endpoint for key %d", cpn.ErrInvalidConfig, queueKey)
	}
	_, _, err := g.GrowFor()
	return err
}

// CreateNode implements spec.md §4.3's create_node: local
// instantiation if attr.Host names this kernel (or is empty), a
// CREATE_NODE relay to the owning kernel otherwise.
func (k *Kernel) CreateNode(attr cpn.NodeAttr) error {
	if attr.Host == "" || attr.Host == k.name {
		return k.createNodeLocal(attr)
	}

	host, err := k.dir.HostByName(attr.Host)
	if err != nil {
		return err
	}
	if k.dirClient == nil {
		return fmt.Errorf("%w: create_node for remote host %q requires a remote directory client", cpn.ErrInvalidConfig, attr.Host)
	}
	return k.dirClient.SendCreateNode(host.Key, attr)
}

func (k *Kernel) createNodeLocal(attr cpn.NodeAttr) error {
	nodeKey, err := k.dir.CreateNodeKey(k.hostKey, attr.Name)
	if err != nil {
		return err
	}
	body, err := k.factory.New(attr)
	if err != nil {
		return err
	}
	n, err := node.New(nodeKey, attr, k, body)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.nodes[attr.Name] = n
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.dir.SignalNodeStart(nodeKey); err != nil {
			k.log.Warnw("signaling node start failed", "node", attr.Name, "error", err)
		}
		err := n.Run()
		if err != nil {
			k.log.Errorw("node body returned an error", "node", attr.Name, "error", err)
		}
		if err := k.dir.SignalNodeEnd(nodeKey); err != nil {
			k.log.Warnw("signaling node end failed", "node", attr.Name, "error", err)
		}
	}()
	return nil
}

// CreateQueue implements spec.md §4.3's create_queue: a local queue if
// both endpoints' nodes live on this kernel, a remotequeue half plus a
// CREATE_WRITER/CREATE_READER relay if exactly one does.
func (k *Kernel) CreateQueue(attr cpn.QueueAttr) error {
	if err := attr.Validate(); err != nil {
		return err
	}

	wn, err := k.dir.NodeByName(attr.WriterNode)
	if err != nil {
		return err
	}
	rn, err := k.dir.NodeByName(attr.ReaderNode)
	if err != nil {
		return err
	}

	writerKey, err := k.dir.CreateWriterKey(wn.Key, attr.WriterPort)
	if err != nil {
		return err
	}
	readerKey, err := k.dir.CreateReaderKey(rn.Key, attr.ReaderPort)
	if err != nil {
		return err
	}
	if err := k.dir.ConnectEndpoints(writerKey, readerKey); err != nil {
		return err
	}

	writerLocal := wn.HostKey == k.hostKey
	readerLocal := rn.HostKey == k.hostKey

	switch {
	case writerLocal && readerLocal:
		q, err := queue.New(attr)
		if err != nil {
			return err
		}
		k.mu.Lock()
		k.writers[writerKey] = &localD4RWriter{local: q, d4r: k.detector, nodeKey: wn.Key, selfKey: writerKey, peerKey: rn.Key}
		k.readers[readerKey] = &localD4RReader{local: q, d4r: k.detector, nodeKey: rn.Key, selfKey: readerKey, peerKey: wn.Key}
		k.growers[writerKey] = localGrower{q}
		k.growers[readerKey] = localGrower{q}
		k.writerKeyByPort[portKey(attr.WriterNode, attr.WriterPort)] = writerKey
		k.readerKeyByPort[portKey(attr.ReaderNode, attr.ReaderPort)] = readerKey
		k.broadcastPorts()
		k.mu.Unlock()
		return nil

	case writerLocal:
		reg, err := k.registryFor(rn.HostKey)
		if err != nil {
			return err
		}
		wh, err := remotequeue.NewWriterHalf(reg.Conn(), k.detector, writerKey, readerKey, wn.Key, attr)
		if err != nil {
			return err
		}
		reg.RegisterWriter(writerKey, wh)
		k.mu.Lock()
		k.writers[writerKey] = wh
		k.growers[writerKey] = remoteGrower{wh}
		k.writerKeyByPort[portKey(attr.WriterNode, attr.WriterPort)] = writerKey
		k.broadcastPorts()
		k.mu.Unlock()
		if k.dirClient == nil {
			return fmt.Errorf("%w: cross-kernel create_queue requires a remote directory client", cpn.ErrInvalidConfig)
		}
		return k.dirClient.SendCreateReader(rn.HostKey, rn.Key, writerKey, readerKey, attr)

	case readerLocal:
		reg, err := k.registryFor(wn.HostKey)
		if err != nil {
			return err
		}
		rh, err := remotequeue.NewReaderHalf(reg.Conn(), k.detector, readerKey, writerKey, rn.Key, attr)
		if err != nil {
			return err
		}
		reg.RegisterReader(readerKey, rh)
		k.mu.Lock()
		k.readers[readerKey] = rh
		k.growers[readerKey] = remoteGrower{rh}
		k.readerKeyByPort[portKey(attr.ReaderNode, attr.ReaderPort)] = readerKey
		k.broadcastPorts()
		k.mu.Unlock()
		if k.dirClient == nil {
			return fmt.Errorf("%w: cross-kernel create_queue requires a remote directory client", cpn.ErrInvalidConfig)
		}
		return k.dirClient.SendCreateWriter(wn.HostKey, wn.Key, writerKey, readerKey, attr)

	default:
		return fmt.Errorf("%w: create_queue requires at least one endpoint local to this kernel", cpn.ErrInvalidConfig)
	}
}

// onKernelMessage services a relayed CREATE_NODE/CREATE_WRITER/
// CREATE_READER message addressed to this kernel. Dispatched through
// msgPool keyed by node name so messages about different nodes
// process concurrently while those about the same node stay ordered,
// generalizing the teacher's jump-hash task routing (task.go).
func (k *Kernel) onKernelMessage(m directory.KernelMessage) {
	switch m.Type {
	case directory.KernelCreateNode:
		if m.NodeAttr == nil {
			k.log.Warnw("CREATE_NODE relay missing NodeAttr")
			return
		}
		attr := *m.NodeAttr
		k.msgPool.Submit(xxhash.Sum64([]byte(attr.Name)), func() {
			if err := k.createNodeLocal(attr); err != nil {
				k.log.Warnw("relayed create_node failed", "node", attr.Name, "error", err)
			}
		})

	case directory.KernelCreateWriter:
		if m.QueueAttr == nil {
			k.log.Warnw("CREATE_WRITER relay missing QueueAttr")
			return
		}
		attr := *m.QueueAttr
		k.msgPool.Submit(xxhash.Sum64([]byte(attr.WriterNode)), func() {
			if err := k.createRemoteWriter(m.NodeKey, m.WriterKey, m.ReaderKey, attr); err != nil {
				k.log.Warnw("relayed create_writer failed", "error", err)
			}
		})

	case directory.KernelCreateReader:
		if m.QueueAttr == nil {
			k.log.Warnw("CREATE_READER relay missing QueueAttr")
			return
		}
		attr := *m.QueueAttr
		k.msgPool.Submit(xxhash.Sum64([]byte(attr.ReaderNode)), func() {
			if err := k.createRemoteReader(m.NodeKey, m.WriterKey, m.ReaderKey, attr); err != nil {
				k.log.Warnw("relayed create_reader failed", "error", err)
			}
		})

	default:
		k.log.Warnw("unknown relayed kernel message type", "type", m.Type)
	}
}

func (k *Kernel) createRemoteWriter(nodeKey, writerKey, readerKey cpn.Key, attr cpn.QueueAttr) error {
	reg, err := k.registryForInbound(writerKey)
	if err != nil {
		return err
	}
	wh, err := remotequeue.NewWriterHalf(reg.Conn(), k.detector, writerKey, readerKey, nodeKey, attr)
	if err != nil {
		return err
	}
	reg.RegisterWriter(writerKey, wh)
	k.mu.Lock()
	k.writers[writerKey] = wh
	k.growers[writerKey] = remoteGrower{wh}
	k.writerKeyByPort[portKey(attr.WriterNode, attr.WriterPort)] = writerKey
	k.broadcastPorts()
	k.mu.Unlock()
	return nil
}

func (k *Kernel) createRemoteReader(nodeKey, writerKey, readerKey cpn.Key, attr cpn.QueueAttr) error {
	reg, err := k.registryForInbound(readerKey)
	if err != nil {
		return err
	}
	rh, err := remotequeue.NewReaderHalf(reg.Conn(), k.detector, readerKey, writerKey, nodeKey, attr)
	if err != nil {
		return err
	}
	reg.RegisterReader(readerKey, rh)
	k.mu.Lock()
	k.readers[readerKey] = rh
	k.growers[readerKey] = remoteGrower{rh}
	k.readerKeyByPort[portKey(attr.ReaderNode, attr.ReaderPort)] = readerKey
	k.broadcastPorts()
	k.mu.Unlock()
	return nil
}

// registryForInbound resolves the Registry for an accepted peer
// connection not yet carrying endpointKey. The queue's initiator
// always dials first (registryFor), so by the time a CREATE_WRITER/
// CREATE_READER relay reaches onKernelMessage here, the peer's
// connection is already in k.registries from acceptPeers.
func (k *Kernel) registryForInbound(endpointKey cpn.Key) (*remotequeue.Registry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, reg := range k.registries {
		if !reg.HasEndpoint(endpointKey) {
			return reg, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending peer connection found for endpoint %d", cpn.ErrInvalidConfig, endpointKey)
}

// WaitNodeStart implements node.Kernel.
func (k *Kernel) WaitNodeStart(name string) error { return k.dir.WaitNodeStart(name) }

// WaitNodeTerminate implements node.Kernel.
func (k *Kernel) WaitNodeTerminate(name string) error { return k.dir.WaitNodeTerminate(name) }

// WaitForAllNodeEnd blocks until every node this directory knows about
// has ended (spec.md §4.4's context.wait_for_all_node_end).
func (k *Kernel) WaitForAllNodeEnd() error { return k.dir.WaitForAllNodeEnd() }

// Terminate implements node.Kernel and spec.md §4.3's terminate(): it
// force-closes every locally hosted endpoint so blocked queue calls
// return cpn.ErrKernelShutdown, per spec.md §5's cancellation model.
func (k *Kernel) Terminate() {
	k.mu.Lock()
	if k.terminated {
		k.mu.Unlock()
		return
	}
	k.terminated = true
	close(k.done)
	k.broadcastPorts()
	terminables := make([]interface{ Terminate() }, 0, len(k.readers)+len(k.writers))
	for _, r := range k.readers {
		if t, ok := r.(interface{ Terminate() }); ok {
			terminables = append(terminables, t)
		}
	}
	for _, w := range k.writers {
		if t, ok := w.(interface{ Terminate() }); ok {
			terminables = append(terminables, t)
		}
	}
	k.mu.Unlock()

	for _, t := range terminables {
		t.Terminate()
	}
	if k.ln != nil {
		k.ln.Close()
	}
}

// Wait blocks until every locally hosted node body has returned.
func (k *Kernel) Wait() { k.wg.Wait() }

// Reader implements node.Kernel: it returns the Reader CreateQueue
// binds to (nodeName, port), blocking until that binding exists if the
// node's body started running before its own incoming edge was wired
// — spec.md §4.2's "before the body runs, all ports ... are available"
// is a guarantee about completion order, not about create_node and
// create_queue being a single atomic step, so a body that asks first
// simply waits its turn, the way queue.Local.GetEnqueuePtr waits for
// freespace rather than failing.
func (k *Kernel) Reader(nodeName, port string) (cpn.Reader, error) {
	pk := portKey(nodeName, port)
	for {
		k.mu.Lock()
		if k.terminated {
			k.mu.Unlock()
			return nil, cpn.ErrKernelShutdown
		}
		if key, ok := k.readerKeyByPort[pk]; ok {
			if r, ok := k.readers[key]; ok {
				k.mu.Unlock()
				return r, nil
			}
		}
		wake := k.portWake
		k.mu.Unlock()
		<-wake
	}
}

// Writer implements node.Kernel, symmetric to Reader.
func (k *Kernel) Writer(nodeName, port string) (cpn.Writer, error) {
	pk := portKey(nodeName, port)
	for {
		k.mu.Lock()
		if k.terminated {
			k.mu.Unlock()
			return nil, cpn.ErrKernelShutdown
		}
		if key, ok := k.writerKeyByPort[pk]; ok {
			if w, ok := k.writers[key]; ok {
				k.mu.Unlock()
				return w, nil
			}
		}
		wake := k.portWake
		k.mu.Unlock()
		<-wake
	}
}

// NodeNames returns the names of every node hosted locally, for the
// diag endpoint.
func (k *Kernel) NodeNames() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.nodes))
	for name := range k.nodes {
		out = append(out, name)
	}
	return out
}

// ReaderStat is a point-in-time snapshot of a locally hosted reader
// endpoint, for kernel/diag.
type ReaderStat struct {
	Node  string
	Port  string
	Count uint64
	Empty bool
}

// WriterStat is the writer-side counterpart of ReaderStat.
type WriterStat struct {
	Node      string
	Port      string
	Freespace uint64
	Full      bool
}

// ReaderStats snapshots every reader endpoint this kernel hosts,
// whether backed by a local queue.Local or the reader half of a
// cross-kernel remotequeue.
func (k *Kernel) ReaderStats() []ReaderStat {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]ReaderStat, 0, len(k.readerKeyByPort))
	for pk, key := range k.readerKeyByPort {
		r, ok := k.readers[key]
		if !ok {
			continue
		}
		node, port := splitPortKey(pk)
		out = append(out, ReaderStat{Node: node, Port: port, Count: r.Count(), Empty: r.Empty()})
	}
	return out
}

// WriterStats is the writer-side counterpart of ReaderStats.
func (k *Kernel) WriterStats() []WriterStat {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]WriterStat, 0, len(k.writerKeyByPort))
	for pk, key := range k.writerKeyByPort {
		w, ok := k.writers[key]
		if !ok {
			continue
		}
		node, port := splitPortKey(pk)
		out = append(out, WriterStat{Node: node, Port: port, Freespace: w.Freespace(), Full: w.Full()})
	}
	return out
}

func splitPortKey(pk string) (node, port string) {
	i := strings.IndexByte(pk, 0)
	if i < 0 {
		return pk, ""
	}
	return pk[:i], pk[i+1:]
}
