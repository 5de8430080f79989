package vehicle

import (
	"github.com/evgauge/canlink/adapter"
	"go.uber.org/zap"
)

// NewECU returns a simulated ECU answering every request of v with its
// sample response.
func NewECU(v *Vehicle, log *zap.Logger) *adapter.ECU {
	ecu := adapter.NewECU(log)
	for _, r := range v.Requests {
		if len(r.Sample) == 0 || len(r.Payload) == 0 {
			continue
		}
		n := min(int(r.Payload[0]), len(r.Payload)-1)
		ecu.Handle(r.RequestID, r.ResponseID, r.Payload[1:1+n], r.Sample)
	}
	return ecu
}
