// Package pgwire builds the one PostgreSQL wire-protocol frame the gateway
// ever emits itself: a synthetic ErrorResponse sent to a client that
// connects while no primary is available. The gateway otherwise never
// parses or constructs client traffic (spec.md §1), so this is hand-built
// rather than routed through a driver; only the SQLSTATE constant comes
// from a library (github.com/jackc/pgerrcode, the same package
// other_examples/justjake-pglink__session.go reaches for when building its
// own ErrorResponse messages).
package pgwire

import (
	"encoding/binary"

	"github.com/jackc/pgerrcode"
)

const (
	severityFatal = "FATAL"
)

// NoPrimaryErrorFrame encodes the byte-exact ErrorResponse frame described
// in spec.md §6:
//
//	'E'                   1 byte, frame type
//	int32 big-endian      total length INCLUDING these 4 bytes, EXCLUDING 'E'
//	'S' "FATAL" 0x00
//	'C' "08006" 0x00      connection_failure
//	'M' <message> 0x00
//	0x00                  terminator
func NoPrimaryErrorFrame(message string) []byte {
	fields := 0
	fields += 1 + len(severityFatal) + 1
	fields += 1 + len(pgerrcode.ConnectionFailure) + 1
	fields += 1 + len(message) + 1
	fields += 1 // terminator

	totalLen := 4 + fields
	buf := make([]byte, 0, 1+totalLen)

	buf = append(buf, 'E')

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(totalLen))
	buf = append(buf, lenBuf[:]...)

	buf = append(buf, 'S')
	buf = append(buf, severityFatal...)
	buf = append(buf, 0)

	buf = append(buf, 'C')
	buf = append(buf, pgerrcode.ConnectionFailure...)
	buf = append(buf, 0)

	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)

	buf = append(buf, 0)

	return buf
}
