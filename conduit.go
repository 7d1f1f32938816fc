package conduit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// conduit is a client-side connectivity toolkit:
// resilient websocket and server-sent-event channels with
// backoff-scheduled reconnects, plus an observable key/value store.
// workers isolate callers from reconnect churn behind a stable
// broadcast stream with a replay depth of one.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// use this type when counting bytes
type ByteCount = int64

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

// the connection state a worker publishes on its state stream.
// transitions:
//
//	connecting -> connected on successful open
//	connected -> error on a transport fault
//	error -> reconnecting when a retry is scheduled
//	reconnecting -> connecting when the attempt starts
//	any -> disconnected on explicit stop or backoff exhaustion
type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateError        ConnectionState = "error"
)

// one inbound transport frame becomes exactly one envelope,
// fanned out to all listeners on the worker's message subject
type MessageEnvelope[M any] struct {
	// the transport event name. "message" for plain frames,
	// the `event:` field value for named server-sent events
	Event string
	// the raw frame payload before decode
	Raw []byte
	// the decoded payload
	Data M
}
