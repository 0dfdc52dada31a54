// Package session tracks which IMEIs currently have a live TCP
// connection bound to this process. There is exactly one gateway
// instance per deployment (the horizontal-sharding case is explicitly
// out of scope), so the registry is a plain in-memory map rather than
// the Redis-backed one a multi-instance deployment would need.
package session

import "time"

// Registry binds an IMEI to the connection handling it and tracks the
// last time each IMEI was seen (any frame, not just HEARTBEAT).
type Registry interface {
	Bind(imei string, conn any)
	Unbind(imei string)
	GetConn(imei string) (any, bool)
	Touch(imei string, t time.Time)
	IsOnline(imei string, now time.Time, timeout time.Duration) bool
	OnlineCount(now time.Time, timeout time.Duration) int
}
