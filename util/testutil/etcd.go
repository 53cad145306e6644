package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdEndpoint is where integration tests expect etcd.
const DefaultEtcdEndpoint = "localhost:2379"

// EtcdTestMutex ensures only one etcd integration test runs at a time across
// packages sharing the same etcd instance.
var EtcdTestMutex sync.Mutex

// PrepareEtcdPrefix returns a key prefix unique to the running test and
// a client connected to endpoint. Keys under the prefix are deleted before
// the test and again when it finishes. The test is skipped when etcd is not
// reachable.
func PrepareEtcdPrefix(t testing.TB, endpoint string) (*clientv3.Client, string) {
	t.Helper()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test - etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "/health-check"); err != nil {
		cli.Close()
		t.Skipf("Skipping test - etcd not available: %v", err)
	}

	prefix := "/netfabric-test/" + strings.ReplaceAll(t.Name(), "/", "_")
	if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		cli.Close()
		t.Fatalf("Failed to clean etcd prefix %s: %v", prefix, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean etcd prefix %s: %v", prefix, err)
		}
		cli.Close()
	})
	return cli, prefix
}
