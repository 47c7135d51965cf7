package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/retry"
	"github.com/arpitnath/rag-queue-autoscale/pkg/utils"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// Connect dials the Temporal frontend from env and waits until it is healthy.
// Environment variables:
//   - TEMPORAL_HOSTPORT: frontend address (default: "localhost:7233")
//   - TEMPORAL_NAMESPACE: namespace holding the scaled task queues (default: "default")
func Connect(ctx context.Context, logger *zap.Logger) (client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", "default")
	loggerWrapper := NewZapAdapter(logger)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))

	var tClient client.Client
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "temporal_connection", func() error {
		c, err := Dial(connCtx, host, ns, loggerWrapper)
		if err != nil {
			return classifyConnectError(err)
		}
		if _, err = c.CheckHealth(connCtx, nil); err != nil {
			c.Close()
			return classifyConnectError(err)
		}
		tClient = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tClient, nil
}

// classifyConnectError stops the connect retries on errors another attempt
// cannot fix: a missing namespace, a rejected request or denied credentials.
func classifyConnectError(err error) error {
	var nsNotFound *serviceerror.NamespaceNotFound
	var invalid *serviceerror.InvalidArgument
	var denied *serviceerror.PermissionDenied
	if errors.As(err, &nsNotFound) || errors.As(err, &invalid) || errors.As(err, &denied) {
		return retry.Permanent(err)
	}
	return err
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}
