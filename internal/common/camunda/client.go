// internal/common/camunda/client.go
package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"github.com/cenkalti/backoff/v5"

	"study-match/internal/common/config"
	"study-match/internal/common/logger"
)

// Client wraps the Zeebe gRPC client used by the matching workers.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

// ClientConfig holds configuration for the Camunda/Zeebe client.
type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
	RetryConfig            *RetryConfig
}

// RetryConfig defines how connecting to the gateway is retried.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 10,
	BaseDelay:  2 * time.Second,
	MaxDelay:   30 * time.Second,
}

// ClientConfigFromConfig maps the camunda section of the app config.
func ClientConfigFromConfig(cfg config.CamundaConfig) *ClientConfig {
	out := &ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: true,
		ConnectionTimeout:      config.GetDuration(cfg.Timeout),
		RequestTimeout:         config.GetDuration(cfg.RequestTimeout),
		RetryConfig:            DefaultRetryConfig,
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = 10 * time.Second
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	return out
}

// Connect creates the client and waits for the gateway topology to answer,
// retrying transient failures with exponential backoff.
func Connect(ctx context.Context, cfg *ClientConfig, log logger.Logger) (*Client, error) {
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = DefaultRetryConfig
	}
	log = logger.ForComponent(log, "zeebe")

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.RetryConfig.BaseDelay
	exp.MaxInterval = cfg.RetryConfig.MaxDelay

	attempt := 0
	zeebeClient, err := backoff.Retry(ctx, func() (zbc.Client, error) {
		attempt++
		c, err := dial(ctx, cfg)
		if err == nil {
			return c, nil
		}
		if !isRetryableZeebeError(err) {
			return nil, backoff.Permanent(err)
		}
		log.Warn("zeebe gateway not ready, retrying", map[string]interface{}{
			"gateway": cfg.GatewayAddress,
			"attempt": attempt,
			"error":   err,
		})
		return nil, err
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(cfg.RetryConfig.MaxRetries+1)))
	if err != nil {
		return nil, fmt.Errorf("connect to zeebe at %s after %d attempt(s): %w", cfg.GatewayAddress, attempt, err)
	}

	log.Info("zeebe client connected", map[string]interface{}{"gateway": cfg.GatewayAddress})
	return &Client{client: zeebeClient, config: cfg}, nil
}

func dial(ctx context.Context, cfg *ClientConfig) (zbc.Client, error) {
	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.GatewayAddress,
		UsePlaintextConnection: cfg.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to reach Zeebe broker at %s: %w", cfg.GatewayAddress, err)
	}
	return zeebeClient, nil
}

// GetClient returns the raw Zeebe client for job worker registration.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck performs a topology request against the gateway.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}

// isRetryableZeebeError checks if the error is transient and should be retried.
func isRetryableZeebeError(err error) bool {
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
