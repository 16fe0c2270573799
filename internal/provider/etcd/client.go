// Package etcd implements provider.Provider on top of an etcd cluster. The
// etcd revision of a write is its server version and a prefix watch is the
// realtime channel.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/retry"
)

// DefaultPrefix is used when the DSN carries no path
const DefaultPrefix = "/localsync"

// NewClient creates a new etcd client from a DSN
func NewClient(dsn string) (*clientv3.Client, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}
	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")
	return client, nil
}

// NewClientWithRetry creates a new etcd client and checks it is reachable
func NewClientWithRetry(ctx context.Context, dsn string) (*clientv3.Client, error) {
	var client *clientv3.Client
	err := retry.WithOperation(ctx, retry.EtcdDefaults(), func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}
		if _, testErr := client.Get(ctx, "healthcheck"); testErr != nil {
			_ = client.Close()
			return testErr
		}
		return nil
	}, "etcd connect", isAuthError)
	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, mapError(err)
	}
	return client, nil
}

// parseEtcdDSN parses etcd DSN format: etcd://[user:password@]host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return nil, errors.New("etcd DSN is required")
	}
	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, errors.New("etcd DSN must start with etcd://")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if u.Host == "" {
		return nil, errors.New("etcd DSN has no endpoints")
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379"
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}
	if u.User != nil {
		config.Username = u.User.Username()
		config.Password, _ = u.User.Password()
	}

	params := u.Query()
	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}
	if username := params.Get("username"); username != "" {
		config.Username = username
	}
	if password := params.Get("password"); password != "" {
		config.Password = password
	}
	switch params.Get("tls") {
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return config, nil
}

// GetPrefix extracts the key prefix from the etcd DSN path
func GetPrefix(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || strings.Trim(u.Path, "/") == "" {
		return DefaultPrefix
	}
	return "/" + strings.Trim(u.Path, "/")
}

func isAuthError(err error) bool {
	return errors.Is(err, rpctypes.ErrPermissionDenied) ||
		errors.Is(err, rpctypes.ErrInvalidAuthToken) ||
		errors.Is(err, rpctypes.ErrAuthFailed) ||
		errors.Is(err, rpctypes.ErrUserEmpty)
}

// mapError translates etcd errors into the engine's sentinels
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case isAuthError(err):
		return fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	case errors.Is(err, rpctypes.ErrRequestTooLarge), errors.Is(err, rpctypes.ErrTooManyOps):
		return fmt.Errorf("%w: %v", model.ErrPayloadTooLarge, err)
	case errors.Is(err, rpctypes.ErrCompacted), errors.Is(err, rpctypes.ErrFutureRev):
		return fmt.Errorf("%w: %v", model.ErrCursorExpired, err)
	}
	return err
}
