// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Key layout:
//
//	r/{table}/{pk}                              record JSON
//	i/{table}/{hex(group)}/{sortable key}{pk}   empty, ordered by (key, pk)
//	g/{table}/{hex(group)}                      group head JSON
//
// The group key is hex encoded so arbitrary JSON never collides with the
// separator.
const (
	rowPrefix   = "r/"
	indexPrefix = "i/"
	headPrefix  = "g/"

	orderKeyLen = 8
)

func rowKey(table, pk string) []byte {
	return []byte(rowPrefix + table + "/" + pk)
}

func groupSegment(groupKey string) string {
	return hex.EncodeToString([]byte(groupKey))
}

func indexGroupPrefix(table, groupKey string) []byte {
	return []byte(indexPrefix + table + "/" + groupSegment(groupKey) + "/")
}

func indexKey(table, groupKey string, key int64, pk string) []byte {
	prefix := indexGroupPrefix(table, groupKey)
	out := make([]byte, 0, len(prefix)+orderKeyLen+len(pk))
	out = append(out, prefix...)
	out = appendOrderKey(out, key)
	return append(out, pk...)
}

func headKey(table, groupKey string) []byte {
	return []byte(headPrefix + table + "/" + groupSegment(groupKey))
}

func headTablePrefix(table string) []byte {
	return []byte(headPrefix + table + "/")
}

// appendOrderKey encodes k so that byte order equals signed integer order.
func appendOrderKey(dst []byte, k int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(k)^(1<<63))
}

func decodeOrderKey(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// decodeIndexKey splits an index key into order key and pk.
func decodeIndexKey(prefixLen int, k []byte) (int64, string, error) {
	if len(k) < prefixLen+orderKeyLen {
		return 0, "", fmt.Errorf("%w: %q", ErrCorruptIndex, k)
	}
	return decodeOrderKey(k[prefixLen : prefixLen+orderKeyLen]), string(k[prefixLen+orderKeyLen:]), nil
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix. Prefixes here always end in '/', so incrementing the last byte
// never overflows.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}
