package app

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfms/telematics-gateway/internal/health"
	"github.com/openfms/telematics-gateway/internal/tcpserver"
)

// NewHealthAggregator creates the aggregator seeded with the database
// checker; Redis and the two TCP port checkers are added once those
// components come up.
func NewHealthAggregator(dbpool *pgxpool.Pool) *health.Aggregator {
	return health.NewAggregator(
		health.NewDatabaseChecker(dbpool),
	)
}

// RegisterHealthRoutes mounts /health, /health/ready, /health/live.
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

// AddTCPChecker registers a named TCP acceptor checker, one per
// protocol port.
func AddTCPChecker(aggregator *health.Aggregator, name string, tcpServer *tcpserver.Server) {
	aggregator.AddChecker(health.NewTCPChecker(name, tcpServer))
}
