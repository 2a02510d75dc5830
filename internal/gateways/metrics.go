package gateway

import (
	"time"

	"github.com/nimasrn/chat-relay/pkg/prom"
)

// recordCall mirrors one gateway round trip into prometheus.
func recordCall(op string, latency time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	prom.AddGatewayRequest(op, result, latency.Seconds())
}
