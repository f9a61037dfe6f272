package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net/url"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aviate-labs/agent-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/raven-ecosystem/ravenauth/adapters/verifier"
	"github.com/raven-ecosystem/ravenauth/config"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// newVerifier builds the verifier the config selects.
func newVerifier(cfg *config.Config, log logrus.FieldLogger) (ports.Verifier, error) {
	if cfg.Verifier == config.VerifierMemory {
		log.Warn("using the in-memory verifier; sessions are lost on restart")
		return verifier.NewMemoryVerifier(
			verifier.WithSignatureChecker(verifier.CryptoChecker),
			verifier.WithLogger(log),
		), nil
	}

	host, err := url.Parse(cfg.ICHost)
	if err != nil {
		return nil, fmt.Errorf("invalid IC host: %w", err)
	}
	ids := cfg.CanisterIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no sign-in canisters configured")
	}
	v, err := verifier.NewCanisterVerifier(agent.Config{
		ClientConfig: &agent.ClientConfig{Host: host},
		FetchRootKey: cfg.FetchRootKey,
	}, ids, log)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// newRedisClient returns nil when no Redis URL is configured.
func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// newPublisher publishes to Redis streams when a client is given and to an
// in-process channel otherwise.
func newPublisher(client *redis.Client, debug bool) (message.Publisher, error) {
	logger := watermill.NewStdLogger(debug, false)
	if client == nil {
		return gochannel.NewGoChannel(gochannel.Config{}, logger), nil
	}

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: client,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
	}
	return publisher, nil
}

// loadSigningKey reads the ES256 token key, or generates one when no file
// is configured.
func loadSigningKey(path string, log logrus.FieldLogger) (*ecdsa.PrivateKey, error) {
	if path == "" {
		log.Warn("no JWT key file configured; tokens will not survive a restart")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT key: %w", err)
	}
	return key, nil
}
