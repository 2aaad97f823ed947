package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key prefixes for the token cache.
const (
	tokenPrefix        = "device:token:"
	refreshTokenPrefix = "device:token:refresh:"
	revokedTokenPrefix = "device:token:revoked:"
	deviceTokensPrefix = "device:tokens:" // set of outstanding tokens per device
)

// TokenPair is the result of issuance and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	TokenType    string `json:"token_type"` // always "Bearer"
}

// TokenService issues, validates, refreshes, and revokes opaque device
// tokens backed by the Redis token cache.
type TokenService struct {
	rdb        *redis.Client
	devices    *DeviceStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     zerolog.Logger
}

// NewTokenService builds a TokenService with the given TTLs.
func NewTokenService(rdb *redis.Client, devices *DeviceStore, accessTTL, refreshTTL time.Duration, logger zerolog.Logger) *TokenService {
	return &TokenService{
		rdb:        rdb,
		devices:    devices,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger.With().Str("component", "token-service").Logger(),
	}
}

// Issue binds (deviceID, apiKey) to a fresh token pair. Fails with
// ErrInvalidCredentials when the device is missing, disabled, or the API
// key does not match.
func (t *TokenService) Issue(ctx context.Context, deviceID, apiKey string) (*TokenPair, error) {
	dev, err := t.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Enabled || dev.APIKey != apiKey {
		return nil, ErrInvalidCredentials
	}
	return t.storePair(ctx, deviceID)
}

// Validate resolves an access token to its device ID. A validated token
// implies a currently enabled device.
func (t *TokenService) Validate(ctx context.Context, accessToken string) (string, error) {
	fields, err := t.rdb.HGetAll(ctx, tokenPrefix+accessToken).Result()
	if err != nil {
		return "", fmt.Errorf("token lookup: %w", err)
	}
	if len(fields) == 0 {
		// Distinguish revoked from merely expired/unknown.
		revoked, err := t.rdb.Exists(ctx, revokedTokenPrefix+accessToken).Result()
		if err == nil && revoked > 0 {
			return "", ErrTokenRevoked
		}
		return "", ErrTokenExpired
	}

	deviceID := fields["device_id"]
	dev, err := t.devices.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if !dev.Enabled {
		return "", ErrInvalidCredentials
	}

	// Successful validation counts as device activity.
	if err := t.devices.TouchLastSeen(ctx, deviceID, time.Now()); err != nil {
		t.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to update last_seen")
	}
	return deviceID, nil
}

// Refresh exchanges a single-use refresh token for a new pair. The prior
// refresh token is invalidated atomically (GETDEL).
func (t *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	deviceID, err := t.rdb.GetDel(ctx, refreshTokenPrefix+refreshToken).Result()
	if errors.Is(err, redis.Nil) {
		revoked, rerr := t.rdb.Exists(ctx, revokedTokenPrefix+refreshToken).Result()
		if rerr == nil && revoked > 0 {
			return nil, ErrTokenRevoked
		}
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("refresh lookup: %w", err)
	}

	dev, err := t.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Enabled {
		return nil, ErrInvalidCredentials
	}

	t.rdb.SRem(ctx, deviceTokensPrefix+deviceID, "r:"+refreshToken)
	return t.storePair(ctx, deviceID)
}

// Revoke purges all outstanding tokens for a device. Revoked tokens answer
// ErrTokenRevoked for the remainder of what would have been their lifetime.
func (t *TokenService) Revoke(ctx context.Context, deviceID string) error {
	setKey := deviceTokensPrefix + deviceID
	members, err := t.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("revoke %s: %w", deviceID, err)
	}

	pipe := t.rdb.TxPipeline()
	for _, m := range members {
		if len(m) < 2 {
			continue
		}
		token := m[2:]
		switch m[:2] {
		case "a:":
			pipe.Del(ctx, tokenPrefix+token)
			pipe.Set(ctx, revokedTokenPrefix+token, deviceID, t.accessTTL)
		case "r:":
			pipe.Del(ctx, refreshTokenPrefix+token)
			pipe.Set(ctx, revokedTokenPrefix+token, deviceID, t.refreshTTL)
		}
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke %s: %w", deviceID, err)
	}

	t.logger.Info().Str("device_id", deviceID).Int("tokens", len(members)).Msg("Revoked device tokens")
	return nil
}

func (t *TokenService) storePair(ctx context.Context, deviceID string) (*TokenPair, error) {
	access := uuid.NewString()
	refresh := uuid.NewString()
	now := time.Now()

	pipe := t.rdb.TxPipeline()
	accessKey := tokenPrefix + access
	pipe.HSet(ctx, accessKey, map[string]any{
		"device_id":  deviceID,
		"issued_at":  strconv.FormatInt(now.UnixMilli(), 10),
		"expires_at": strconv.FormatInt(now.Add(t.accessTTL).UnixMilli(), 10),
		"refresh":    refresh,
	})
	pipe.Expire(ctx, accessKey, t.accessTTL)
	pipe.Set(ctx, refreshTokenPrefix+refresh, deviceID, t.refreshTTL)
	pipe.SAdd(ctx, deviceTokensPrefix+deviceID, "a:"+access, "r:"+refresh)
	pipe.Expire(ctx, deviceTokensPrefix+deviceID, t.refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store token pair: %w", err)
	}

	t.logger.Debug().Str("device_id", deviceID).Msg("Issued token pair")
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(t.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}
