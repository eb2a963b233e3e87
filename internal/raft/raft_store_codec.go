package raft

import (
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"github.com/user/flowq/internal/kv"
	"google.golang.org/protobuf/encoding/protowire"
)

// Both embedded log stores share one key layout:
//
//	rl|<index BE>  raft log entry
//	rs|<key>       stable store value
const (
	raftLogPrefix    = "rl|"
	raftStablePrefix = "rs|"
)

func raftLogKey(index uint64) []byte {
	return kv.PutUint64BE([]byte(raftLogPrefix), index)
}

func raftLogIndex(k []byte) uint64 {
	if len(k) < len(raftLogPrefix)+8 {
		return 0
	}
	return kv.GetUint64BE(k[len(raftLogPrefix):])
}

func raftStableKey(key []byte) []byte {
	return append([]byte(raftStablePrefix), key...)
}

func encodeStableUint64(v uint64) []byte {
	return kv.PutUint64BE(nil, v)
}

func decodeStableUint64(v []byte) (uint64, error) {
	switch len(v) {
	case 0:
		return 0, nil
	case 8:
		return kv.GetUint64BE(v), nil
	default:
		return 0, fmt.Errorf("bad stable uint64 length: %d", len(v))
	}
}

// encodeRaftLog writes a log entry as protobuf wire fields:
// 1 index, 2 term, 3 type, 4 data, 5 extensions, 6 appended-at ns.
func encodeRaftLog(l *raft.Log) []byte {
	b := make([]byte, 0, 32+len(l.Data)+len(l.Extensions))
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, l.Index)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, l.Term)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Type))
	if len(l.Data) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, l.Data)
	}
	if len(l.Extensions) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, l.Extensions)
	}
	if !l.AppendedAt.IsZero() {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.AppendedAt.UnixNano()))
	}
	return b
}

func decodeRaftLog(b []byte) (raft.Log, error) {
	var l raft.Log
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return l, fmt.Errorf("decode raft log tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return l, fmt.Errorf("decode raft log field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case 4:
				l.Data = append([]byte(nil), v...)
			case 5:
				l.Extensions = append([]byte(nil), v...)
			}
			b = b[m:]
			continue
		}
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return l, fmt.Errorf("skip raft log field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return l, fmt.Errorf("decode raft log field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case 1:
			l.Index = v
		case 2:
			l.Term = v
		case 3:
			l.Type = raft.LogType(v)
		case 6:
			l.AppendedAt = time.Unix(0, int64(v))
		}
	}
	return l, nil
}
