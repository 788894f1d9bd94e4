package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KeystoreOperations counts keystore backend operations (save/load/remove/list),
// by backend kind and outcome.
var KeystoreOperations = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "keystore",
	Name:      "operations_total",
	Help:      "Keystore backend operations, by backend, op and result.",
}, []string{"backend", "op", "result"})
