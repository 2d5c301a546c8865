package hypergate

import (
	"fmt"

	"github.com/rcrowley/go-metrics"

	"github.com/axvmm/hypergate/hvcall"
)

type HyperCallMetrics struct {
	executed map[hvcall.Code]metrics.Counter
	failed   map[hvcall.Code]metrics.Counter

	unknown metrics.Counter
}

func (h *HyperCallMetrics) Observe(c hvcall.Code, res hvcall.Result) {
	if h == nil {
		return
	}
	counters := h.executed
	if res != hvcall.OK {
		counters = h.failed
	}
	if counter, ok := counters[c]; ok {
		counter.Inc(1)
	} else if h.unknown != nil {
		h.unknown.Inc(1)
	}
}

func newHyperCallMetrics() *HyperCallMetrics {
	gen := func(t string) map[hvcall.Code]metrics.Counter {
		counters := map[hvcall.Code]metrics.Counter{}
		for _, c := range []hvcall.Code{
			hvcall.Probe,
			hvcall.PublishChannel,
			hvcall.UnpublishChannel,
			hvcall.SubscribeChannel,
			hvcall.UnsubscribeChannel,
			hvcall.SendIPI,
			hvcall.EstablishConsoleConnection,
			hvcall.UnEstablishConsoleConnection,
		} {
			counters[c] = metrics.GetOrRegisterCounter(fmt.Sprintf("hypercalls.%s.%s", c.Name(), t), nil)
		}
		return counters
	}
	return &HyperCallMetrics{
		executed: gen("executed"),
		failed:   gen("failed"),

		unknown: metrics.GetOrRegisterCounter("hypercalls.other", nil),
	}
}
