package testutil

import (
	"sync"
	"testing"
)

var metricsTestMutex sync.Mutex

// LockMetrics serializes tests that reset or read the global Prometheus
// collectors in util/metrics. The lock is released when the test completes.
//
//	func TestRequestMetrics(t *testing.T) {
//	    testutil.LockMetrics(t)
//	    metrics.ContainerRequestsTotal.Reset()
//	    ...
//	}
func LockMetrics(t testing.TB) {
	t.Helper()
	metricsTestMutex.Lock()
	t.Cleanup(metricsTestMutex.Unlock)
}
