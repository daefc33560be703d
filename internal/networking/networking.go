/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package networking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	defaultAllocationTimeout = 5 * time.Second
	defaultAllocationDelay   = 50 * time.Millisecond
	defaultReuseAfter        = 2 * time.Minute
	allocationsPerRound      = 5
)

var ErrNoFreePort = errors.New("could not allocate a free port")

// PortAllocator hands out free TCP ports, making sure the same port is not handed out twice
// within the reuse window, even when requested by concurrently starting sessions.
type PortAllocator struct {
	lock              sync.Mutex
	recent            map[string]time.Time
	reuseAfter        time.Duration
	allocationTimeout time.Duration
	allocationDelay   time.Duration
	log               logr.Logger
}

var (
	defaultAllocator     *PortAllocator
	defaultAllocatorOnce sync.Once
)

func NewPortAllocator(log logr.Logger) *PortAllocator {
	return &PortAllocator{
		recent:            make(map[string]time.Time),
		reuseAfter:        defaultReuseAfter,
		allocationTimeout: defaultAllocationTimeout,
		allocationDelay:   defaultAllocationDelay,
		log:               log,
	}
}

// DefaultPortAllocator returns the process-wide allocator.
func DefaultPortAllocator() *PortAllocator {
	defaultAllocatorOnce.Do(func() {
		defaultAllocator = NewPortAllocator(logr.Discard())
	})
	return defaultAllocator
}

// Gets a free TCP port for a given address (defaults to localhost).
// Even if this method is called twice in a row, it should not return the same port.
func (pa *PortAllocator) GetFreePort(ctx context.Context, address string) (int32, error) {
	if address == "" {
		address = "localhost"
	}

	allocCtx, cancel := context.WithTimeout(ctx, pa.allocationTimeout)
	defer cancel()

	var allocatedPort int32
	pollErr := wait.PollUntilContextCancel(allocCtx, pa.allocationDelay, true /* poll immediately */, func(_ context.Context) (bool, error) {
		pa.lock.Lock()
		defer pa.lock.Unlock()
		pa.expire()

		for i := 0; i < allocationsPerRound; i++ {
			port, portErr := doGetFreePort(address)
			if portErr != nil {
				return false, portErr
			}

			key := AddressAndPort(address, port)
			if _, recentlyUsed := pa.recent[key]; !recentlyUsed {
				pa.recent[key] = time.Now()
				allocatedPort = port
				return true, nil
			}
		}

		return false, nil // Keep trying
	})

	if pollErr != nil {
		pa.log.V(1).Info("port allocation failed", "Address", address, "Error", pollErr.Error())
		return 0, fmt.Errorf("%w on %s: %w", ErrNoFreePort, address, pollErr)
	}
	return allocatedPort, nil
}

// Listen opens a TCP listener on a port obtained from the allocator.
func (pa *PortAllocator) Listen(ctx context.Context, address string) (net.Listener, int32, error) {
	if address == "" {
		address = "localhost"
	}

	port, err := pa.GetFreePort(ctx, address)
	if err != nil {
		return nil, 0, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", AddressAndPort(address, port))
	if err != nil {
		return nil, 0, fmt.Errorf("could not listen on %s: %w", AddressAndPort(address, port), err)
	}
	return listener, port, nil
}

// Assumes the lock is held.
func (pa *PortAllocator) expire() {
	for key, allocated := range pa.recent {
		if time.Since(allocated) > pa.reuseAfter {
			delete(pa.recent, key)
		}
	}
}

func doGetFreePort(address string) (int32, error) {
	tcpaddr, err := net.ResolveTCPAddr("tcp", AddressAndPort(address, 0))
	if err != nil {
		return 0, err
	}

	listener, err := net.ListenTCP("tcp", tcpaddr)
	if err != nil {
		return 0, err
	}
	port := int32(listener.Addr().(*net.TCPAddr).Port)
	_ = listener.Close()
	return port, nil
}

func AddressAndPort(address string, port int32) string {
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}

func IsValidPort(port int) bool {
	return port > 0 && port <= 65535
}
