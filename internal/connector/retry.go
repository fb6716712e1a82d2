package connector

import (
	"time"

	"github.com/sqlbridge/sqlbridge/internal/proto"
)

// connectRetryInterval is the pause between connect attempts while the
// retry deadline has not passed.
const connectRetryInterval = 100 * time.Millisecond

// transientErrorCodes are server and client errors that may clear up on
// their own: connection limits, shutdown in progress, and network-level
// failures before or during the early handshake.
var transientErrorCodes = map[uint16]bool{
	1040: true, // ER_CON_COUNT_ERROR: too many connections
	1053: true, // ER_SERVER_SHUTDOWN
	1077: true, // ER_NORMAL_SHUTDOWN
	2002: true, // CR_CONNECTION_ERROR
	2003: true, // CR_CONN_HOST_ERROR
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

// ConnectErrorIsTransient classifies a connect/handshake error as worth
// retrying within the connect-retry deadline.
func ConnectErrorIsTransient(err *proto.SQLError) bool {
	if err == nil {
		return false
	}
	return transientErrorCodes[err.Code]
}
