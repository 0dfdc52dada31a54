package app

import (
	"fmt"

	"go.uber.org/zap"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
	"github.com/openfms/telematics-gateway/internal/tcpserver"
)

// NewTCPServer builds a single-port acceptor from the shared gateway
// tuning knobs plus that protocol's port number.
func NewTCPServer(gw cfgpkg.GatewayConfig, port int, logger *zap.Logger) *tcpserver.Server {
	return tcpserver.New(tcpserver.Config{
		Addr:                  fmt.Sprintf(":%d", port),
		ReadTimeout:           gw.SocketTimeout,
		WriteTimeout:          gw.ConnectTimeout,
		MaxConnectionsPerPort: gw.MaxConnectionsPerPort,
	}, logger)
}
