package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak-badjie/mbalit/internal/geo"
	"github.com/ak-badjie/mbalit/internal/models"
)

// RedisRegistry implements Registry on Redis so that presence survives
// process restarts and is shared between the API server and presenced.
// Layout per collector: a hash <ns>:collector:<id> with the record fields,
// membership in the set <ns>:online while online, and a member in the
// <ns>:geo GEO index while a location is known. The busy claim is the
// job_id hash field, taken with HSETNX.
type RedisRegistry struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
}

func NewRedisRegistry(addr, password, namespace string, ttl time.Duration) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if namespace == "" {
		namespace = "mbalit"
	}
	return &RedisRegistry{client: c, ns: namespace, ttl: ttl}
}

func (r *RedisRegistry) collectorKey(id string) string { return r.ns + ":collector:" + id }
func (r *RedisRegistry) onlineKey() string             { return r.ns + ":online" }
func (r *RedisRegistry) geoKey() string                { return r.ns + ":geo" }

func (r *RedisRegistry) Report(ctx context.Context, rep models.PresenceReport) error {
	if rep.Location != nil {
		if err := geo.ValidateCoord(*rep.Location); err != nil {
			return err
		}
	}
	at := rep.ReportedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fields := map[string]interface{}{
		"online":    strconv.FormatBool(rep.Online),
		"last_seen": at.Format(time.RFC3339Nano),
	}
	if rep.Location != nil {
		fields["lat"] = strconv.FormatFloat(rep.Location.Lat, 'f', -1, 64)
		fields["lng"] = strconv.FormatFloat(rep.Location.Lng, 'f', -1, 64)
	}
	if len(rep.Capabilities) > 0 {
		fields["caps"] = joinCaps(rep.Capabilities)
	}
	if err := r.client.HSet(ctx, r.collectorKey(rep.CollectorID), fields).Err(); err != nil {
		return fmt.Errorf("presence hset: %w", err)
	}
	if rep.Location != nil {
		loc := &redis.GeoLocation{
			Name:      rep.CollectorID,
			Longitude: rep.Location.Lng,
			Latitude:  rep.Location.Lat,
		}
		if err := r.client.GeoAdd(ctx, r.geoKey(), loc).Err(); err != nil {
			return fmt.Errorf("presence geoadd: %w", err)
		}
	}
	if rep.Online {
		if err := r.client.SAdd(ctx, r.onlineKey(), rep.CollectorID).Err(); err != nil {
			return fmt.Errorf("presence sadd: %w", err)
		}
		return nil
	}
	if err := r.client.SRem(ctx, r.onlineKey(), rep.CollectorID).Err(); err != nil {
		return fmt.Errorf("presence srem: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, collectorID string) (models.Presence, bool, error) {
	m, err := r.client.HGetAll(ctx, r.collectorKey(collectorID)).Result()
	if err != nil {
		return models.Presence{}, false, fmt.Errorf("presence hgetall: %w", err)
	}
	if len(m) == 0 {
		return models.Presence{}, false, nil
	}
	return parsePresence(collectorID, m), true, nil
}

func (r *RedisRegistry) ListEligible(ctx context.Context, c models.Capability) ([]models.Presence, error) {
	ids, err := r.client.SMembers(ctx, r.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence smembers: %w", err)
	}
	now := time.Now().UTC()
	out := make([]models.Presence, 0, len(ids))
	for _, id := range ids {
		p, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && eligible(p, c, r.ttl, now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *RedisRegistry) MarkBusy(ctx context.Context, collectorID, jobID string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.collectorKey(collectorID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence exists: %w", err)
	}
	if exists == 0 {
		return false, nil
	}
	claimed, err := r.client.HSetNX(ctx, r.collectorKey(collectorID), "job_id", jobID).Result()
	if err != nil {
		return false, fmt.Errorf("presence hsetnx: %w", err)
	}
	return claimed, nil
}

func (r *RedisRegistry) MarkFree(ctx context.Context, collectorID string) error {
	if err := r.client.HDel(ctx, r.collectorKey(collectorID), "job_id").Err(); err != nil {
		return fmt.Errorf("presence hdel: %w", err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error { return r.client.Close() }

func joinCaps(caps []models.Capability) string {
	parts := make([]string, 0, len(caps))
	for _, c := range caps {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

func parsePresence(id string, m map[string]string) models.Presence {
	p := models.Presence{CollectorID: id}
	p.Online = m["online"] == "true"
	if v, ok := m["last_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastSeen = ts
		}
	}
	latS, latOK := m["lat"]
	lngS, lngOK := m["lng"]
	if latOK && lngOK {
		lat, errLat := strconv.ParseFloat(latS, 64)
		lng, errLng := strconv.ParseFloat(lngS, 64)
		if errLat == nil && errLng == nil {
			p.Location = &models.Coord{Lat: lat, Lng: lng}
		}
	}
	if v := m["caps"]; v != "" {
		for _, raw := range strings.Split(v, ",") {
			if c, err := models.ParseCapability(strings.TrimSpace(raw)); err == nil {
				p.Capabilities = append(p.Capabilities, c)
			}
		}
	}
	if v := m["job_id"]; v != "" {
		jobID := v
		p.JobID = &jobID
	}
	return p
}
