package service

import (
	"context"
	stded25519 "crypto/ed25519"
	"crypto/x509"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/google/uuid"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/sirupsen/logrus"
)

const (
	DemoMessageLimit = 5
	DemoResetWindow  = 24 * time.Hour

	demoUUIDKey    = "raven_demo_uuid"
	demoCountKey   = "raven_demo_count"
	demoResetKey   = "raven_demo_reset_time"
	demoSeedSuffix = "_raven_demo_seed_v1"
)

// DemoIdentity is the signing identity of a demo user. It carries no chain
// address.
type DemoIdentity struct {
	UUID       string
	Principal  principal.Principal
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// Sign signs msg with the demo key.
func (d *DemoIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(d.privateKey, msg)
}

// DemoStatus is the usage of the current cycle.
type DemoStatus struct {
	MessagesUsed      int           `json:"messages_used"`
	MessagesRemaining int           `json:"messages_remaining"`
	LimitReached      bool          `json:"limit_reached"`
	ResetAt           time.Time     `json:"reset_at,omitempty"`
	TimeUntilReset    time.Duration `json:"-"`
}

// FormattedResetTime renders TimeUntilReset, empty when no reset is pending.
func (s DemoStatus) FormattedResetTime() string {
	if s.TimeUntilReset <= 0 {
		return ""
	}
	return FormatResetTime(s.TimeUntilReset)
}

// DemoSession is a demo identity together with its usage.
type DemoSession struct {
	Identity *DemoIdentity
	Status   DemoStatus
}

// DemoService derives demo identities and tracks their usage in a
// key-value store.
type DemoService struct {
	store ports.KeyValueStore
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewDemoService(store ports.KeyValueStore, log logrus.FieldLogger) *DemoService {
	return &DemoService{store: store, log: orDiscard(log), now: time.Now}
}

// demoSeed expands uuid into 32 bytes. This is a reproducible byte mix, not a
// key derivation function: demo keys only need to be stable per UUID.
func demoSeed(uuid string) []byte {
	data := []byte(uuid + demoSeedSuffix)
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = data[i%len(data)] ^ byte(i*7)
	}
	return seed
}

// DeriveDemoIdentity returns the identity of uuid. The same uuid always yields
// the same key pair.
func DeriveDemoIdentity(uuid string) (*DemoIdentity, error) {
	priv := ed25519.NewKeyFromSeed(demoSeed(uuid))
	pub := ed25519.PublicKey(priv[ed25519.SeedSize:])

	der, err := x509.MarshalPKIXPublicKey(stded25519.PublicKey(pub))
	if err != nil {
		return nil, fmt.Errorf("failed to encode demo public key: %w", err)
	}

	return &DemoIdentity{
		UUID:       uuid,
		Principal:  principal.NewSelfAuthenticating(der),
		PublicKey:  pub,
		privateKey: priv,
	}, nil
}

// demoUUID reads the persisted UUID or creates one.
func (s *DemoService) demoUUID(ctx context.Context) (string, error) {
	id, err := s.store.Get(ctx, demoUUIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return "", fmt.Errorf("failed to read demo uuid: %w", err)
	}

	id = "demo-" + uuid.New().String()
	if err := s.store.Set(ctx, demoUUIDKey, id, 0); err != nil {
		return "", fmt.Errorf("failed to store demo uuid: %w", err)
	}
	s.log.WithField("uuid", id).Info("created demo identity")
	return id, nil
}

// CreateDemoIdentity returns the identity of the persisted demo UUID.
func (s *DemoService) CreateDemoIdentity(ctx context.Context) (*DemoIdentity, error) {
	id, err := s.demoUUID(ctx)
	if err != nil {
		return nil, err
	}
	return DeriveDemoIdentity(id)
}

func (s *DemoService) readInt(ctx context.Context, key string) (int64, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Corrupt entries count as absent.
		return 0, nil
	}
	return n, nil
}

// usage returns the count and reset time of the current cycle, starting a new
// cycle when the reset time has passed.
func (s *DemoService) usage(ctx context.Context) (int, time.Time, error) {
	resetMs, err := s.readInt(ctx, demoResetKey)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read demo reset time: %w", err)
	}

	var resetAt time.Time
	if resetMs > 0 {
		resetAt = time.UnixMilli(resetMs)
		if s.now().After(resetAt) {
			if err := s.store.Set(ctx, demoCountKey, "0", 0); err != nil {
				return 0, time.Time{}, err
			}
			if err := s.store.Delete(ctx, demoResetKey); err != nil {
				return 0, time.Time{}, err
			}
			return 0, time.Time{}, nil
		}
	}

	count, err := s.readInt(ctx, demoCountKey)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read demo count: %w", err)
	}
	return int(count), resetAt, nil
}

func (s *DemoService) status(count int, resetAt time.Time) DemoStatus {
	st := DemoStatus{
		MessagesUsed:      count,
		MessagesRemaining: max(0, DemoMessageLimit-count),
		LimitReached:      count >= DemoMessageLimit,
		ResetAt:           resetAt,
	}
	if !resetAt.IsZero() {
		if d := resetAt.Sub(s.now()); d > 0 {
			st.TimeUntilReset = d
		}
	}
	return st
}

// Status returns the usage of the current cycle.
func (s *DemoService) Status(ctx context.Context) (DemoStatus, error) {
	count, resetAt, err := s.usage(ctx)
	if err != nil {
		return DemoStatus{}, err
	}
	return s.status(count, resetAt), nil
}

// IsLimitReached reports whether the current cycle is used up.
func (s *DemoService) IsLimitReached(ctx context.Context) (bool, error) {
	st, err := s.Status(ctx)
	return st.LimitReached, err
}

// TimeUntilReset is zero when no cycle is running.
func (s *DemoService) TimeUntilReset(ctx context.Context) (time.Duration, error) {
	st, err := s.Status(ctx)
	return st.TimeUntilReset, err
}

// IncrementCount counts one message. The first message of a cycle starts
// the reset window.
func (s *DemoService) IncrementCount(ctx context.Context) (DemoStatus, error) {
	count, resetAt, err := s.usage(ctx)
	if err != nil {
		return DemoStatus{}, err
	}

	count++
	if err := s.store.Set(ctx, demoCountKey, strconv.Itoa(count), 0); err != nil {
		return DemoStatus{}, fmt.Errorf("failed to store demo count: %w", err)
	}
	if count == 1 {
		resetAt = s.now().Add(DemoResetWindow)
		if err := s.store.Set(ctx, demoResetKey, strconv.FormatInt(resetAt.UnixMilli(), 10), 0); err != nil {
			return DemoStatus{}, fmt.Errorf("failed to store demo reset time: %w", err)
		}
		resetAt = time.UnixMilli(resetAt.UnixMilli())
	}
	return s.status(count, resetAt), nil
}

// UseMessage counts one message unless the limit is reached.
func (s *DemoService) UseMessage(ctx context.Context) (DemoStatus, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return DemoStatus{}, err
	}
	if st.LimitReached {
		return st, fmt.Errorf("%w: resets in %s", core.ErrDemoLimitReached, st.FormattedResetTime())
	}
	return s.IncrementCount(ctx)
}

// Reset clears the usage. The UUID, and with it the identity, is kept.
func (s *DemoService) Reset(ctx context.Context) error {
	if err := s.store.Delete(ctx, demoCountKey); err != nil {
		return err
	}
	return s.store.Delete(ctx, demoResetKey)
}

// CreateDemoSession returns the demo identity with its usage.
func (s *DemoService) CreateDemoSession(ctx context.Context) (*DemoSession, error) {
	id, err := s.CreateDemoIdentity(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &DemoSession{Identity: id, Status: st}, nil
}

// FormatResetTime renders d as "3h 5m" or "12m".
func FormatResetTime(d time.Duration) string {
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
