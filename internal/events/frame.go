// Package events implements component G: the durable, single-writer
// event sequencer and the subscribeRepos firehose it feeds (spec
// §4.G).
package events

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/solo-pds/internal/codec"
)

// Kind is a FirehoseEvent's payload kind.
type Kind string

const (
	KindCommit   Kind = "commit"
	KindIdentity Kind = "identity"
	KindAccount  Kind = "account"
	KindInfo     Kind = "info"
)

// Op describes one record mutation within a commit.
type Op struct {
	Action string // "create", "update", or "delete"
	Path   string
	CID    *cid.Cid // nil for delete
}

// CommitPayload is a kind=commit FirehoseEvent's payload.
type CommitPayload struct {
	Repo    string
	Commit  cid.Cid
	Prev    *cid.Cid
	Rev     string
	Since   string // prior rev, empty for the genesis commit
	Ops     []Op
	Blocks  []byte // CAR bytes: new/changed blocks since Prev
	TimeRFC string
}

func (p CommitPayload) toMap() map[string]any {
	ops := make([]any, len(p.Ops))
	for i, op := range p.Ops {
		m := map[string]any{"action": op.Action, "path": op.Path}
		if op.CID != nil {
			m["cid"] = *op.CID
		} else {
			m["cid"] = nil
		}
		ops[i] = m
	}
	m := map[string]any{
		"repo":   p.Repo,
		"commit": p.Commit,
		"rev":    p.Rev,
		"since":  p.Since,
		"ops":    ops,
		"blocks": p.Blocks,
		"time":   p.TimeRFC,
	}
	if p.Prev != nil {
		m["prev"] = *p.Prev
	} else {
		m["prev"] = nil
	}
	return m
}

// encodeFrame builds the subscribeRepos wire format: a 4-byte
// big-endian total length, then dag-cbor(header), then
// dag-cbor(body). header = {op:1, t:"#commit"} for events, {op:-1}
// for errors.
func encodeFrame(header map[string]any, body map[string]any) ([]byte, error) {
	headerBytes, err := codec.Encode(header)
	if err != nil {
		return nil, fmt.Errorf("events: encode frame header: %w", err)
	}
	bodyBytes, err := codec.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("events: encode frame body: %w", err)
	}

	var payload bytes.Buffer
	payload.Write(headerBytes)
	payload.Write(bodyBytes)

	var out bytes.Buffer
	if err := binary.Write(&out, binary.BigEndian, uint32(payload.Len())); err != nil {
		return nil, fmt.Errorf("events: write frame length: %w", err)
	}
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// frameType maps a Kind to its header "t" tag.
func frameType(kind Kind) string {
	switch kind {
	case KindCommit:
		return "#commit"
	case KindIdentity:
		return "#identity"
	case KindAccount:
		return "#account"
	default:
		return "#info"
	}
}

// buildFrame assembles a positive (op:1) frame for an already-assigned
// seq and a kind-specific body.
func buildFrame(kind Kind, seq int64, body map[string]any) ([]byte, error) {
	body = cloneWithSeq(body, seq)
	return encodeFrame(map[string]any{"op": int64(1), "t": frameType(kind)}, body)
}

func cloneWithSeq(body map[string]any, seq int64) map[string]any {
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["seq"] = seq
	return out
}

func encodeInfoFrame(seq int64, message string) ([]byte, error) {
	return encodeFrame(map[string]any{"op": int64(1), "t": "#info"}, map[string]any{
		"seq":     seq,
		"message": message,
	})
}

// encodeErrorFrame builds the op:-1 error frame subscribeRepos sends
// before closing a connection (OutdatedCursor, FutureCursor,
// ConsumerTooSlow).
func encodeErrorFrame(code, message string) ([]byte, error) {
	return encodeFrame(map[string]any{"op": int64(-1)}, map[string]any{
		"error":   code,
		"message": message,
	})
}

// EncodeErrorFrame exposes encodeErrorFrame to callers outside this
// package — the server's subscribeRepos handler sends one directly
// when Subscribe rejects a cursor before any WebSocket frame has gone
// out.
func EncodeErrorFrame(code, message string) ([]byte, error) {
	return encodeErrorFrame(code, message)
}

// encodeBody/decodeBody persist and restore a frame's body (minus
// seq, which the commit_log row's own column already carries) so
// Replay can rebuild an identical frame to the one originally
// broadcast.
func encodeBody(body map[string]any) ([]byte, error) {
	b, err := codec.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("events: encode body: %w", err)
	}
	return b, nil
}

func decodeBody(data []byte) (map[string]any, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("events: decode body: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("events: decoded body is not a map")
	}
	return m, nil
}
