// Copyright 2025 The meshrouter Authors
// This file is part of the meshrouter library.
//
// The meshrouter library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The meshrouter library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the meshrouter library. If not, see <http://www.gnu.org/licenses/>.

package routerdb

import (
	"encoding/binary"
)

// The fields below define the low level database schema prefixing.
var (
	// schemaVersionKey tracks the current layout version of the store.
	schemaVersionKey = []byte("SchemaVersion")

	// lastRowKey tracks the latest allocated queue row id.
	lastRowKey = []byte("LastRowId")

	// liveRowsKey tracks the number of rows currently in the queued state.
	liveRowsKey = []byte("LiveRows")

	rowPrefix    = []byte("q") // rowPrefix + row id (uint64 big endian) -> snappy(RLP(queueRow))
	msgIdxPrefix = []byte("m") // msgIdxPrefix + msg_id -> row id (uint64 big endian)
	replayPrefix = []byte("r") // replayPrefix + msg_id -> first seen (unix seconds, uint64 big endian)
)

// schemaVersion must be bumped on any incompatible layout change. Unlike
// ephemeral discovery caches, queue contents must survive upgrades, so a
// version mismatch refuses to open instead of wiping the store.
const schemaVersion uint64 = 1

// encodeRowID encodes a row id as big endian uint64, keeping the natural
// iteration order of row keys identical to insertion (FIFO) order.
func encodeRowID(id uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, id)
	return enc
}

func decodeRowID(enc []byte) uint64 {
	if len(enc) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(enc)
}

// rowKey = rowPrefix + row id
func rowKey(id uint64) []byte {
	return append(append([]byte{}, rowPrefix...), encodeRowID(id)...)
}

// msgIdxKey = msgIdxPrefix + msg_id
func msgIdxKey(msgID string) []byte {
	return append(append([]byte{}, msgIdxPrefix...), []byte(msgID)...)
}

// replayKey = replayPrefix + msg_id
func replayKey(msgID string) []byte {
	return append(append([]byte{}, replayPrefix...), []byte(msgID)...)
}
