package app

import (
	"github.com/openfms/telematics-gateway/internal/session"
)

// NewSessionRegistry builds the gateway's single in-memory session
// registry. There is exactly one gateway instance per deployment, so
// no distributed/Redis-backed variant is needed.
func NewSessionRegistry() session.Registry {
	return session.New()
}
