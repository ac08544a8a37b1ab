// Package mock provides a lightweight node.Kernel double for
// node.Process unit tests that want real queue semantics (backpressure,
// RawEnqueue/RawDequeue, Terminate) without standing up a full
// kernel.Kernel, directory and node.Factory. Grounded on the teacher's
// own ContextData-plus-counters mocking idiom (the old mock/context.go
// Context/ContextData pair), adapted from streams.Context to
// node.Kernel now that the root streams package is gone.
package mock

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

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/node"
	"github.com/cpnkit/cpn/queue"
)

// make sure we implement the interface node.Handle needs
var _ node.Kernel = (*Kernel)(nil)

// KernelData is the state and call counters a test asserts against,
// mirroring the old mock.ContextData shape: a plain struct a test can
// read directly rather than a pile of accessor methods.
type KernelData struct {
	Name                   string
	Nodes                  []cpn.NodeAttr
	Queues                 []cpn.QueueAttr
	Terminated             bool
	WaitNodeStartCount     map[string]int
	WaitNodeTerminateCount map[string]int
	CreateNodeErr          error
	CreateQueueErr         error
}

// Kernel is a node.Kernel double. CreateQueue backs every queue it
// creates with a real queue.Local, so a Process exercised against a
// Kernel sees genuine Freespace/Count/RawEnqueue/RawDequeue behavior,
// not canned responses.
type Kernel struct {
	Data   KernelData
	queues map[string]*queue.Local
}

// NewKernel returns an empty mock Kernel named name.
func NewKernel(name string) *Kernel {
	return &Kernel{
		Data: KernelData{
			Name:                   name,
			WaitNodeStartCount:     make(map[string]int),
			WaitNodeTerminateCount: make(map[string]int),
		},
		queues: make(map[string]*queue.Local),
	}
}

// Name implements node.Kernel.
func (k *Kernel) Name() string { return k.Data.Name }

// CreateNode implements node.Kernel, recording attr for later
// assertions.
func (k *Kernel) CreateNode(attr cpn.NodeAttr) error {
	k.Data.Nodes = append(k.Data.Nodes, attr)
	return k.Data.CreateNodeErr
}

// CreateQueue implements node.Kernel, binding a real queue.Local under
// both the writer and reader (node, port) keys so Reader/Writer can
// find it.
func (k *Kernel) CreateQueue(attr cpn.QueueAttr) error {
	if k.Data.CreateQueueErr != nil {
		return k.Data.CreateQueueErr
	}
	k.Data.Queues = append(k.Data.Queues, attr)

	q, err := queue.New(attr)
	if err != nil {
		return err
	}
	k.queues[portKey(attr.WriterNode, attr.WriterPort)] = q
	k.queues[portKey(attr.ReaderNode, attr.ReaderPort)] = q
	return nil
}

// WaitNodeStart implements node.Kernel as a no-op that just counts
// calls; a mock Kernel has no node lifecycle of its own to wait on.
func (k *Kernel) WaitNodeStart(name string) error {
	k.Data.WaitNodeStartCount[name]++
	return nil
}

// WaitNodeTerminate implements node.Kernel, counting calls like
// WaitNodeStart.
func (k *Kernel) WaitNodeTerminate(name string) error {
	k.Data.WaitNodeTerminateCount[name]++
	return nil
}

// Terminate implements node.Kernel, tearing down every queue this mock
// created so blocked Process bodies unblock with cpn.ErrKernelShutdown.
func (k *Kernel) Terminate() {
	k.Data.Terminated = true
	for _, q := range k.queues {
		q.Terminate()
	}
}

// Reader implements node.Kernel.
func (k *Kernel) Reader(nodeName, port string) (cpn.Reader, error) {
	q, ok := k.queues[portKey(nodeName, port)]
	if !ok {
		return nil, fmt.Errorf("mock: no queue bound for %s/%s", nodeName, port)
	}
	return q, nil
}

// Writer implements node.Kernel.
func (k *Kernel) Writer(nodeName, port string) (cpn.Writer, error) {
	q, ok := k.queues[portKey(nodeName, port)]
	if !ok {
		return nil, fmt.Errorf("mock: no queue bound for %s/%s", nodeName, port)
	}
	return q, nil
}

func portKey(node, port string) string { return node + "\x00" + port }
