package redpanda

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// brokerLease is one pooled Redpanda container and its advertised address.
type brokerLease struct {
	container tc.Container
	broker    string
	id        int
}

// brokerPool shares Redpanda containers across this package's integration
// tests so each test borrows a running broker instead of paying container
// startup. Leaked containers are reaped by testcontainers at process exit.
type brokerPool struct {
	size   int
	once   sync.Once
	err    error
	leases chan brokerLease
}

// One container per parallel suite plus a spare.
const brokerPoolSize = 2

var sharedPool = &brokerPool{
	size:   brokerPoolSize,
	leases: make(chan brokerLease, brokerPoolSize),
}

// leaseBroker borrows a broker address for the duration of the test and
// returns the container to the pool on cleanup. Tests skip when no container
// can be started.
func leaseBroker(t *testing.T) string {
	t.Helper()
	lease, err := sharedPool.acquire()
	if err != nil {
		t.Skipf("no redpanda container available: %v", err)
	}
	t.Cleanup(func() { sharedPool.release(lease) })
	return lease.broker
}

func (p *brokerPool) acquire() (brokerLease, error) {
	p.once.Do(p.start)
	if p.err != nil {
		return brokerLease{}, p.err
	}
	select {
	case lease := <-p.leases:
		return lease, nil
	case <-time.After(30 * time.Second):
		return brokerLease{}, fmt.Errorf("timed out waiting for a pooled broker")
	}
}

func (p *brokerPool) release(lease brokerLease) {
	select {
	case p.leases <- lease:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = lease.container.Terminate(ctx)
	}
}

// start brings up all pooled containers concurrently. Any startup failure
// poisons the pool; acquire surfaces the error and tests skip.
func (p *brokerPool) start() {
	var wg sync.WaitGroup
	errs := make([]error, p.size)
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lease, err := startBroker(id)
			if err != nil {
				errs[id] = err
				return
			}
			p.leases <- lease
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			p.err = err
			return
		}
	}
}

// startBroker runs a single-node dev Redpanda. The host port is fixed up
// front because the advertised Kafka address has to match it exactly.
func startBroker(id int) (brokerLease, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// 19192+id keeps clear of a locally running broker on 19092.
	port := 19192 + id

	req := tc.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp", "9644/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--node-id", fmt.Sprintf("%d", id),
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", port),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(30 * time.Second),
		HostConfigModifier: func(hc *containerTypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", port)},
			}
		},
	}

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return brokerLease{}, fmt.Errorf("start redpanda container %d: %w", id, err)
	}

	return brokerLease{
		container: container,
		broker:    fmt.Sprintf("localhost:%d", port),
		id:        id,
	}, nil
}
