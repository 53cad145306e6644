package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGauges(t *testing.T) {
	AgentsRegistered.Reset()
	ContainersActive.Reset()
	ClientsConnected.Reset()

	SetAgentsRegistered("net", 3)
	SetContainersActive("net", "workspace", 7)
	SetClientsConnected("net", 2)

	if v := testutil.ToFloat64(AgentsRegistered.WithLabelValues("net")); v != 3 {
		t.Errorf("AgentsRegistered = %f, want 3", v)
	}
	if v := testutil.ToFloat64(ContainersActive.WithLabelValues("net", "workspace")); v != 7 {
		t.Errorf("ContainersActive = %f, want 7", v)
	}
	if v := testutil.ToFloat64(ClientsConnected.WithLabelValues("net")); v != 2 {
		t.Errorf("ClientsConnected = %f, want 2", v)
	}
}

func TestRecordContainerEvents(t *testing.T) {
	ContainerEventsTotal.Reset()

	RecordContainerEvents("net", "added", 2)
	RecordContainerEvents("net", "added", 0)
	RecordContainerEvents("net", "deleted", 1)

	if v := testutil.ToFloat64(ContainerEventsTotal.WithLabelValues("net", "added")); v != 2 {
		t.Errorf("added = %f, want 2", v)
	}
	if v := testutil.ToFloat64(ContainerEventsTotal.WithLabelValues("net", "deleted")); v != 1 {
		t.Errorf("deleted = %f, want 1", v)
	}
}

func TestCounters(t *testing.T) {
	ContainerPingFailures.Reset()
	BroadcastsDropped.Reset()
	TickHandlerFailures.Reset()
	ContainerRequestsTotal.Reset()
	ContainerRequestDuration.Reset()

	RecordContainerPingFailure("net", "workspace")
	RecordBroadcastDropped("workspace")
	RecordBroadcastDropped("workspace")
	RecordTickHandlerFailure("default")
	RecordContainerRequest("agent-1", "workspace", "tx", "success", 0.01)

	if v := testutil.ToFloat64(ContainerPingFailures.WithLabelValues("net", "workspace")); v != 1 {
		t.Errorf("ping failures = %f", v)
	}
	if v := testutil.ToFloat64(BroadcastsDropped.WithLabelValues("workspace")); v != 2 {
		t.Errorf("broadcasts dropped = %f", v)
	}
	if v := testutil.ToFloat64(TickHandlerFailures.WithLabelValues("default")); v != 1 {
		t.Errorf("tick failures = %f", v)
	}
	if v := testutil.ToFloat64(ContainerRequestsTotal.WithLabelValues("agent-1", "workspace", "tx", "success")); v != 1 {
		t.Errorf("requests = %f", v)
	}
	if n := testutil.CollectAndCount(ContainerRequestDuration); n != 1 {
		t.Errorf("request duration series = %d, want 1", n)
	}
}
