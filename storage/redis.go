package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/marker"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix key prefix used when none is configured
const DefaultKeyPrefix = "livemarkers:marker:"

const scanBatch = 256

// redisMarkerMirror MarkerMirror storing each marker as JSON under its own key
type redisMarkerMirror struct {
	common.Component
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// CreateRedisMarkerMirror connect to Redis, and define a MarkerMirror on it
func CreateRedisMarkerMirror(ctxt context.Context, cfg common.RedisConfig) (MarkerMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(ctxt).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	logTags := log.Fields{"module": "storage", "component": "redis-mirror", "instance": cfg.Addr}
	log.WithFields(logTags).Infof("Connected with redis server %s/%d", cfg.Addr, cfg.DB)
	return &redisMarkerMirror{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       time.Second * time.Duration(cfg.TTL),
	}, nil
}

// markerKey the key of a device's marker
func (d *redisMarkerMirror) markerKey(deviceID string) string {
	return d.keyPrefix + deviceID
}

// ForwardMarkers store the changed markers, replacing the stored ones
func (d *redisMarkerMirror) ForwardMarkers(ctxt context.Context, changed []marker.Marker) error {
	if len(changed) == 0 {
		return nil
	}
	pipe := d.client.Pipeline()
	for _, oneMarker := range changed {
		toStore, err := json.Marshal(&oneMarker)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unable to serialize %s", oneMarker)
			return err
		}
		pipe.Set(ctxt, d.markerKey(oneMarker.DeviceID), toStore, d.ttl)
	}
	if _, err := pipe.Exec(ctxt); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to WRITE %d markers", len(changed))
		return err
	}
	log.WithFields(d.LogTags).Debugf("WRITE %d markers", len(changed))
	return nil
}

// scanKeys list every marker key
func (d *redisMarkerMirror) scanKeys(ctxt context.Context) ([]string, error) {
	keys := []string{}
	iter := d.client.Scan(ctxt, 0, d.keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctxt) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SCAN %s*", d.keyPrefix)
		return nil, err
	}
	return keys, nil
}

// MarkersCleared delete every stored marker
func (d *redisMarkerMirror) MarkersCleared(ctxt context.Context) error {
	keys, err := d.scanKeys(ctxt)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := d.client.Del(ctxt, keys[start:end]...).Err(); err != nil {
			log.WithError(err).WithFields(d.LogTags).Error("Failed to DELETE markers")
			return err
		}
	}
	log.WithFields(d.LogTags).Infof("DELETE %d markers", len(keys))
	return nil
}

// ReadAllMarkers fetch every stored marker
func (d *redisMarkerMirror) ReadAllMarkers(ctxt context.Context) (marker.Markers, error) {
	keys, err := d.scanKeys(ctxt)
	if err != nil {
		return nil, err
	}
	result := marker.Markers{}
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		values, err := d.client.MGet(ctxt, keys[start:end]...).Result()
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Error("Failed to READ markers")
			return nil, err
		}
		for idx, value := range values {
			// Expired between the SCAN and the MGET
			if value == nil {
				continue
			}
			raw, ok := value.(string)
			if !ok {
				continue
			}
			var oneMarker marker.Marker
			if err := json.Unmarshal([]byte(raw), &oneMarker); err != nil {
				log.WithError(err).WithFields(d.LogTags).Errorf(
					"Unable to parse marker %s", keys[start+idx],
				)
				continue
			}
			result[oneMarker.DeviceID] = oneMarker
		}
	}
	return result, nil
}

// Close release the redis connection
func (d *redisMarkerMirror) Close() error {
	return d.client.Close()
}
