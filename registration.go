package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/solswap/execution-engine/discovery"
)

// healthCheckInterval must stay well under the registry's TTL so the check
// never lapses between refreshes.
const healthCheckInterval = time.Second

// ServiceRegistration is one live registry entry plus the goroutine that
// keeps its TTL check passing.
type ServiceRegistration struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
	logger      *slog.Logger
	stop        chan struct{}
}

// RegisterService registers the engine instance and starts the keep-alive
// loop. Deregister stops the loop and removes the entry.
func RegisterService(
	ctx context.Context,
	registry discovery.Registry,
	instanceID, serviceName, addr string,
	logger *slog.Logger,
) (*ServiceRegistration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	go sr.keepAlive()

	return sr, nil
}

func (sr *ServiceRegistration) keepAlive() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stop:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				sr.logger.Warn("registry health check failed",
					slog.String("instance_id", sr.instanceID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stop)
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
