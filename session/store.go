package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session, device or token row does not exist.
var ErrNotFound = errors.New("session: not found")

// ErrBackendUnavailable wraps every storage transport failure. Callers treat it
// as "nothing is known to have changed" and retry the whole operation.
var ErrBackendUnavailable = errors.New("session: backend unavailable")

// DefaultRetention keeps retired rows around after their natural expiry so a
// late replay of a used token is still recognized as theft.
const DefaultRetention = 7 * 24 * time.Hour

const (
	rotateOK             int64 = 0
	rotateNotFound       int64 = 1
	rotateMismatch       int64 = 2
	rotateReused         int64 = 3
	rotateExpired        int64 = 4
	rotateSessionRevoked int64 = 5
)

// revoke_family is shared by the rotate and revoke scripts. It stamps rev on
// every member that does not have one yet and returns how many it touched.
const revokeFamilyFn = `
local function revoke_family(family_key, token_prefix, now)
  local ids = redis.call("SMEMBERS", family_key)
  local n = 0
  for _, id in ipairs(ids) do
    local k = token_prefix .. id
    if redis.call("EXISTS", k) == 1 then
      local rev = redis.call("HGET", k, "rev")
      if not rev or rev == "" then
        redis.call("HSET", k, "rev", now)
        n = n + 1
      end
    end
  end
  return n
end
`

const rotateRefreshScript = revokeFamilyFn + `
local token_key = KEYS[1]
local next_key = KEYS[2]
local family_key = KEYS[3]
local session_key = KEYS[4]
local device_key = KEYS[5]

local presented_hash = ARGV[1]
local now = ARGV[2]
local token_prefix = ARGV[3]
local next_id = ARGV[4]
local keep_until = ARGV[5]

local row = redis.call("HMGET", token_key, "hash", "used", "rev", "exp")
if not row[1] then
  return {1}
end
if row[1] ~= presented_hash then
  return {2}
end

-- retired rows trigger the cascade before any expiry check
if (row[2] and row[2] ~= "") or (row[3] and row[3] ~= "") then
  return {3, revoke_family(family_key, token_prefix, now)}
end
if tonumber(row[4]) <= tonumber(now) then
  return {4}
end

local srev = redis.call("HGET", session_key, "rev")
if srev == false or srev ~= "" then
  return {5}
end

redis.call("HSET", token_key, "used", now, "next", next_id)
redis.call("HSET", next_key, unpack(ARGV, 12))
redis.call("PEXPIREAT", next_key, keep_until)
redis.call("SADD", family_key, next_id)
redis.call("PEXPIREAT", family_key, keep_until)

redis.call("HSET", session_key, "lip", ARGV[6], "lua", ARGV[7], "lat", now)
local score = tonumber(ARGV[8])
local current = tonumber(redis.call("HGET", session_key, "score") or "0")
if score >= current then
  redis.call("HSET", session_key, "score", ARGV[8], "level", ARGV[9], "susp", ARGV[10], "details", ARGV[11])
end

if redis.call("EXISTS", device_key) == 1 then
  redis.call("HSET", device_key, "seen", now)
end
return {0}
`

const revokeFamilyScript = revokeFamilyFn + `
return revoke_family(KEYS[1], ARGV[1], ARGV[2])
`

// returns -1 when the session does not exist, 0 when it was already revoked
const revokeSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local rev = redis.call("HGET", KEYS[1], "rev")
if rev and rev ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "rev", ARGV[1], "reason", ARGV[2])
return 1
`

const updateRiskScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local current = tonumber(redis.call("HGET", KEYS[1], "score") or "0")
if tonumber(ARGV[1]) < current then
  return 0
end
redis.call("HSET", KEYS[1], "score", ARGV[1], "level", ARGV[2], "susp", ARGV[3], "details", ARGV[4])
return 1
`

// get-or-create keyed on (user, device key hash); returns {created, device_id}
const resolveDeviceScript = `
local index_key = KEYS[1]
local device_prefix = ARGV[1]
local now = ARGV[5]

local existing = redis.call("GET", index_key)
if existing then
  local k = device_prefix .. existing
  if redis.call("EXISTS", k) == 1 then
    redis.call("HSET", k, "seen", now)
    return {0, existing}
  end
end

local k = device_prefix .. ARGV[2]
redis.call("HSET", k, "v", ARGV[6], "id", ARGV[2], "uid", ARGV[3], "dkh", ARGV[4], "cat", now, "seen", now, "blk", "0")
redis.call("SET", index_key, ARGV[2])
return {1, ARGV[2]}
`

var (
	rotateRefreshLua = redis.NewScript(rotateRefreshScript)
	revokeFamilyLua  = redis.NewScript(revokeFamilyScript)
	revokeSessionLua = redis.NewScript(revokeSessionScript)
	updateRiskLua    = redis.NewScript(updateRiskScript)
	resolveDeviceLua = redis.NewScript(resolveDeviceScript)
)

// Store is the Redis-backed token, session and device store. Every
// read-check-mutate step runs as a single Lua script so concurrent callers
// presenting the same refresh token are serialized by Redis.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore returns a Store using prefix for every key it touches. A
// non-positive retention selects DefaultRetention.
//
// The rotation and revocation scripts derive token keys from a family's
// members, so they touch keys they cannot declare up front. All keys must
// therefore live in one hash slot: a prefix without a {hash tag} is wrapped
// in one ("tg" becomes "{tg}"). On Redis Cluster this pins the whole store to
// a single slot; shard by running one Store per prefix.
func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "tg"
	}
	if !strings.Contains(prefix, "{") {
		prefix = "{" + prefix + "}"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{redis: client, prefix: prefix, retention: retention}
}

func (s *Store) tokenPrefix() string  { return s.prefix + ":rt:" }
func (s *Store) devicePrefix() string { return s.prefix + ":dv:" }

func (s *Store) tokenKey(id string) string      { return s.tokenPrefix() + id }
func (s *Store) familyKey(family string) string { return s.prefix + ":rf:" + family }
func (s *Store) sessionKey(id string) string    { return s.prefix + ":ss:" + id }
func (s *Store) userKey(userID string) string   { return s.prefix + ":us:" + userID }
func (s *Store) deviceKey(id string) string     { return s.devicePrefix() + id }

func (s *Store) deviceIndexKey(userID, deviceKeyHash string) string {
	return s.prefix + ":dk:" + userID + ":" + deviceKeyHash
}

func (s *Store) keepUntil(expiresAt time.Time) string {
	return encodeTime(expiresAt.Add(s.retention))
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// CreateSession persists sess and indexes it under its user.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	key := s.sessionKey(sess.ID)
	keep := sess.ExpiresAt.Add(s.retention)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeSession(sess))
		pipe.PExpireAt(ctx, key, keep)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	m, err := s.redis.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeSession(m)
}

// ListUserSessions returns every stored session of userID, revoked ones
// included. Index entries whose session key has expired are pruned.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]*Session, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession(m)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return out, nil
}

// ResolveDevice returns the device bound to (userID, deviceKeyHash), creating
// it on first sight. The bool reports whether a new device was created.
func (s *Store) ResolveDevice(ctx context.Context, userID, deviceKeyHash string, now time.Time) (*Device, bool, error) {
	res, err := resolveDeviceLua.Run(ctx, s.redis,
		[]string{s.deviceIndexKey(userID, deviceKeyHash)},
		s.devicePrefix(), uuid.NewString(), userID, deviceKeyHash, encodeTime(now), recordFormatVersion,
	).Slice()
	if err != nil {
		return nil, false, unavailable(err)
	}
	if len(res) != 2 {
		return nil, false, ErrCorruptRecord
	}
	created, _ := res[0].(int64)
	id, _ := res[1].(string)

	dev, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return dev, created == 1, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	m, err := s.redis.HGetAll(ctx, s.deviceKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeDevice(m)
}

func (s *Store) BlockDevice(ctx context.Context, id string) error {
	key := s.deviceKey(id)
	n, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.redis.HSet(ctx, key, fBlocked, "1").Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// InsertRefreshToken stores the first token of a family.
func (s *Store) InsertRefreshToken(ctx context.Context, t *RefreshToken) error {
	key := s.tokenKey(t.ID)
	famKey := s.familyKey(t.Family)
	keep := t.ExpiresAt.Add(s.retention)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeToken(t))
		pipe.PExpireAt(ctx, key, keep)
		pipe.SAdd(ctx, famKey, t.ID)
		pipe.PExpireAt(ctx, famKey, keep)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	m, err := s.redis.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeToken(m)
}

// RotateRefreshToken retires the presented token and inserts its successor in
// one script. A retired presented token revokes its whole family instead.
func (s *Store) RotateRefreshToken(ctx context.Context, r Rotation) (RotateStatus, error) {
	next := r.Successor
	if next == nil {
		return RotateNotFound, errors.New("session: rotation without successor")
	}

	keys := []string{
		s.tokenKey(r.PresentedID),
		s.tokenKey(next.ID),
		s.familyKey(next.Family),
		s.sessionKey(next.SessionID),
		s.deviceKey(next.DeviceID),
	}
	args := []any{
		r.PresentedHash,
		encodeTime(r.Now),
		s.tokenPrefix(),
		next.ID,
		s.keepUntil(next.ExpiresAt),
		r.ClientIP,
		r.UserAgent,
		strconv.Itoa(r.Risk.Score),
		string(r.Risk.Level),
		encodeBool(r.Risk.IsSuspicious),
		r.Risk.Details,
	}
	for k, v := range encodeToken(next) {
		args = append(args, k, v)
	}

	res, err := rotateRefreshLua.Run(ctx, s.redis, keys, args...).Slice()
	if err != nil {
		return RotateNotFound, unavailable(err)
	}
	if len(res) == 0 {
		return RotateNotFound, ErrCorruptRecord
	}
	code, _ := res[0].(int64)
	switch code {
	case rotateOK:
		return RotateOK, nil
	case rotateNotFound:
		return RotateNotFound, nil
	case rotateMismatch:
		return RotateHashMismatch, nil
	case rotateReused:
		return RotateReused, nil
	case rotateExpired:
		return RotateExpired, nil
	case rotateSessionRevoked:
		return RotateSessionRevoked, nil
	default:
		return RotateNotFound, ErrCorruptRecord
	}
}

// UpdateSessionRisk writes u unless the stored score is already higher.
func (s *Store) UpdateSessionRisk(ctx context.Context, id string, u RiskUpdate) error {
	n, err := updateRiskLua.Run(ctx, s.redis, []string{s.sessionKey(id)},
		strconv.Itoa(u.Score), string(u.Level), encodeBool(u.IsSuspicious), u.Details,
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeFamily revokes every member of family that is not revoked yet and
// returns how many rows changed. Revoking an unknown family is a no-op.
func (s *Store) RevokeFamily(ctx context.Context, family string, now time.Time) (int, error) {
	n, err := revokeFamilyLua.Run(ctx, s.redis, []string{s.familyKey(family)},
		s.tokenPrefix(), encodeTime(now),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// RevokeSession reports whether this call moved the session to revoked. An
// already revoked session keeps its original timestamp and reason.
func (s *Store) RevokeSession(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	n, err := revokeSessionLua.Run(ctx, s.redis, []string{s.sessionKey(id)},
		encodeTime(now), reason,
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	if n < 0 {
		return false, ErrNotFound
	}
	return n == 1, nil
}
