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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cpnkit/cpn"
)

// msgType is the top-level envelope discriminator from spec.md §4.4:
// "{msgtype: "command"|"reply"|"broadcast", type: <enum>, msgid: ...}".
type msgType string

const (
	msgCommand   msgType = "command"
	msgReply     msgType = "reply"
	msgBroadcast msgType = "broadcast"
	msgKernel    msgType = "kernel"
)

// cmdType enumerates the directory operations from spec.md §4.4's
// table, renamed from the original RDBMT_* constants.
type cmdType string

const (
	cmdSetupHost          cmdType = "SETUP_HOST"
	cmdGetHostInfo        cmdType = "GET_HOST_INFO"
	cmdSignalHostStart    cmdType = "SIGNAL_HOST_START"
	cmdCreateNodeKey      cmdType = "CREATE_NODE_KEY"
	cmdSignalNodeStart    cmdType = "SIGNAL_NODE_START"
	cmdSignalNodeEnd      cmdType = "SIGNAL_NODE_END"
	cmdGetNodeInfo        cmdType = "GET_NODE_INFO"
	cmdGetNumNodeLive     cmdType = "GET_NUM_NODE_LIVE"
	cmdGetCreateReaderKey cmdType = "GET_CREATE_READER_KEY"
	cmdGetCreateWriterKey cmdType = "GET_CREATE_WRITER_KEY"
	cmdGetReaderInfo      cmdType = "GET_READER_INFO"
	cmdGetWriterInfo      cmdType = "GET_WRITER_INFO"
	cmdConnectEndpoints   cmdType = "CONNECT_ENDPOINTS"

	// Kernel-to-kernel messages, relayed by the server to the
	// connection that registered the destination host key rather than
	// answered locally (spec.md §4.4's "relayed by the server" row).
	// CreateQueue has no message of its own: the initiating kernel
	// already knows which half its peer must create, so it sends
	// CREATE_WRITER or CREATE_READER directly instead of a generic
	// CREATE_QUEUE round trip.
	cmdCreateNode   cmdType = "CREATE_NODE"
	cmdCreateWriter cmdType = "CREATE_WRITER"
	cmdCreateReader cmdType = "CREATE_READER"
)

// message is the single envelope shape for every frame on the
// directory connection: commands carry request fields, replies carry
// result fields, broadcasts carry an Event's fields. Unused fields
// are omitted by encoding/json's omitempty.
type message struct {
	MsgType msgType `json:"msgtype"`
	Type    cmdType `json:"type,omitempty"`
	MsgID   uint32  `json:"msgid,omitempty"`

	Name     string `json:"name,omitempty"`
	HostName string `json:"hostname,omitempty"`
	ServName string `json:"servname,omitempty"`
	Key      cpn.Key `json:"key,omitempty"`
	HostKey  cpn.Key `json:"hostkey,omitempty"`
	NodeKey  cpn.Key `json:"nodekey,omitempty"`
	ReaderKey cpn.Key `json:"readerkey,omitempty"`
	WriterKey cpn.Key `json:"writerkey,omitempty"`
	Port     string `json:"port,omitempty"`

	Success     bool   `json:"success,omitempty"`
	Error       string `json:"error,omitempty"`
	Live        bool   `json:"live,omitempty"`
	Started     bool   `json:"started,omitempty"`
	Dead        bool   `json:"dead,omitempty"`
	NumLiveNodes uint64 `json:"numlivenodes,omitempty"`

	EventType EventType `json:"eventtype,omitempty"`

	// NodeAttr/QueueAttr carry the payload of a relayed kernel-message
	// (spec.md §4.4: "carry the attrs the target kernel needs to
	// instantiate the object"). Byte fields (NodeAttr.Param/Arg)
	// base64-encode themselves via encoding/json automatically, the
	// Go equivalent of the original's explicit Base64Encoder step.
	NodeAttr  *cpn.NodeAttr  `json:"nodeattr,omitempty"`
	QueueAttr *cpn.QueueAttr `json:"queueattr,omitempty"`
}

// writeMessage writes one length-prefixed JSON message to w. The
// 4-byte big-endian length prefix lets a single TCP connection carry
// an unbounded stream of independently-sized JSON objects without
// needing a JSON-aware framer.
func writeMessage(w io.Writer, m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: marshaling directory message: %v", cpn.ErrProtocolError, err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: writing directory message length: %v", cpn.ErrTransportError, err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("%w: writing directory message body: %v", cpn.ErrTransportError, err)
	}
	return nil
}

// readMessage reads one length-prefixed JSON message from r.
func readMessage(r io.Reader) (message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return message{}, fmt.Errorf("%w: reading directory message body: %v", cpn.ErrTransportError, err)
	}
	var m message
	if err := json.Unmarshal(body, &m); err != nil {
		return message{}, fmt.Errorf("%w: unmarshaling directory message: %v", cpn.ErrProtocolError, err)
	}
	return m, nil
}
