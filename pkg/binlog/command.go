package binlog

import (
	"bytes"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/cybercache/corecache/pkg/types"
)

// Kind identifies which store command a Command envelope carries.
type Kind uint8

const (
	KindWrite Kind = iota
	KindSave
	KindRemove
	KindClean
	KindTouch
	KindGC
)

// Command is the serializable envelope for every mutating operation the
// core accepts. It is what ends up as the Data of a raft.Log entry once a
// domain's Writer accepts it, and what a Loader hands back out on replay.
type Command struct {
	Domain         types.Domain
	Kind           Kind
	Key            []byte
	Payload        []byte
	Tags           [][]byte
	Lifetime       time.Duration
	Threshold      time.Duration
	UserAgentClass types.UserAgentClass
	RequestID      uint64
	CleanMode      types.CleanMode
	Timestamp      time.Time

	// FromNetwork marks a command that arrived over the wire, as opposed to
	// one replayed from the binlog loader or synthesized for a store-save
	// snapshot. Replayed and synthesized commands must
	// never be re-appended or re-replicated.
	FromNetwork bool
}

// Encode serializes cmd the same way raft-boltdb encodes the raft.Log
// entries it stores underneath us: a fresh, bare msgpack handle per call,
// no registered extensions.
func Encode(cmd *Command) ([]byte, error) {
	var buf bytes.Buffer
	hd := codec.MsgpackHandle{}
	enc := codec.NewEncoder(&buf, &hd)
	if err := enc.Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*Command, error) {
	var cmd Command
	hd := codec.MsgpackHandle{}
	dec := codec.NewDecoder(bytes.NewReader(data), &hd)
	if err := dec.Decode(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}
