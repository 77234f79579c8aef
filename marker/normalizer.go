package marker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/topic"
	"github.com/apex/log"
)

// ErrMalformedPayload the report is not a UTF-8 JSON object
var ErrMalformedPayload = errors.New("malformed location payload")

// ErrMissingCoordinates the report does not carry a usable latitude and longitude
var ErrMissingCoordinates = errors.New("location payload missing coordinates")

// FieldMapping names of the report fields holding the marker data
type FieldMapping struct {
	DeviceID  string
	UserID    string
	Latitude  string
	Longitude string
	Speed     string
	Altitude  string
	Accuracy  string
}

// DefaultFieldMapping the standard report field names
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		DeviceID:  "device_id",
		UserID:    "user_id",
		Latitude:  "latitude",
		Longitude: "longitude",
		Speed:     "speed",
		Altitude:  "altitude",
		Accuracy:  "accuracy",
	}
}

// FieldMappingFromConfig build the field mapping from config
func FieldMappingFromConfig(cfg common.FieldMappingConfig) FieldMapping {
	return FieldMapping{
		DeviceID:  cfg.DeviceID,
		UserID:    cfg.UserID,
		Latitude:  cfg.Latitude,
		Longitude: cfg.Longitude,
		Speed:     cfg.Speed,
		Altitude:  cfg.Altitude,
		Accuracy:  cfg.Accuracy,
	}
}

// withDefaults fill in unset field names with the standard names
func (f FieldMapping) withDefaults() FieldMapping {
	defaults := DefaultFieldMapping()
	pick := func(override, fallback string) string {
		if override != "" {
			return override
		}
		return fallback
	}
	return FieldMapping{
		DeviceID:  pick(f.DeviceID, defaults.DeviceID),
		UserID:    pick(f.UserID, defaults.UserID),
		Latitude:  pick(f.Latitude, defaults.Latitude),
		Longitude: pick(f.Longitude, defaults.Longitude),
		Speed:     pick(f.Speed, defaults.Speed),
		Altitude:  pick(f.Altitude, defaults.Altitude),
		Accuracy:  pick(f.Accuracy, defaults.Accuracy),
	}
}

// Normalizer converts raw location reports into markers
type Normalizer struct {
	common.Component
	fields   FieldMapping
	consumed map[string]bool
	clock    func() time.Time
}

// NewNormalizer define a new Normalizer. A nil clock uses the wall clock.
func NewNormalizer(fields FieldMapping, clock func() time.Time) *Normalizer {
	logTags := log.Fields{"module": "marker", "component": "normalizer"}
	if clock == nil {
		clock = time.Now
	}
	fields = fields.withDefaults()
	return &Normalizer{
		Component: common.Component{LogTags: logTags},
		fields:    fields,
		consumed: map[string]bool{
			fields.DeviceID:  true,
			fields.UserID:    true,
			fields.Latitude:  true,
			fields.Longitude: true,
			fields.Speed:     true,
			fields.Altitude:  true,
			fields.Accuracy:  true,
		},
		clock: clock,
	}
}

// Fields the field mapping in use
func (n *Normalizer) Fields() FieldMapping {
	return n.fields
}

// Normalize convert a report delivered on a topic into a marker
//
// The payload is authoritative for the position, the topic for the company and group.
// A rejected report returns an error wrapping ErrMalformedPayload or
// ErrMissingCoordinates; the report should be dropped.
func (n *Normalizer) Normalize(payload []byte, deliveryTopic string) (Marker, error) {
	report, err := decodeReport(payload)
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Warnf("Dropping report from %s", deliveryTopic)
		return Marker{}, err
	}

	lat, latOK := parseCoordinate(report[n.fields.Latitude])
	lng, lngOK := parseCoordinate(report[n.fields.Longitude])
	if !latOK || !lngOK {
		err := fmt.Errorf(
			"%w: fields '%s' and '%s' required", ErrMissingCoordinates, n.fields.Latitude, n.fields.Longitude,
		)
		log.WithError(err).WithFields(n.LogTags).Warnf("Dropping report from %s", deliveryTopic)
		return Marker{}, err
	}

	deviceID, ok := parseIdentity(report[n.fields.DeviceID])
	if !ok {
		if deviceID, ok = parseIdentity(report[n.fields.UserID]); !ok {
			deviceID = UnknownDeviceID
		}
	}

	result := Marker{
		DeviceID:  deviceID,
		Latitude:  lat,
		Longitude: lng,
		Speed:     parseOptional(report[n.fields.Speed]),
		Altitude:  parseOptional(report[n.fields.Altitude]),
		Accuracy:  parseOptional(report[n.fields.Accuracy]),
		Timestamp: n.clock().UnixMilli(),
		IsOnline:  true,
	}
	if group, ok := topic.ParseGroupID(deliveryTopic); ok {
		result.GroupID = group
	}
	if company, ok := topic.ParseCompanyID(deliveryTopic); ok {
		result.CompanyID = company
	}
	for field, value := range report {
		if n.consumed[field] {
			continue
		}
		if result.Extra == nil {
			result.Extra = make(map[string]interface{})
		}
		result.Extra[field] = value
	}

	log.WithFields(n.LogTags).Debugf("Normalized %s from %s", result.String(), deliveryTopic)
	return result, nil
}

// decodeReport parse the payload as a single JSON object
func decodeReport(payload []byte) (map[string]interface{}, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: not UTF-8 text", ErrMalformedPayload)
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var report map[string]interface{}
	if err := decoder.Decode(&report); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}
	if report == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedPayload)
	}
	return report, nil
}

// parseCoordinate parse a JSON number or numeric string into a finite float
//
// Zero is a valid coordinate; only a missing, null, empty or non-numeric value is
// rejected.
func parseCoordinate(value interface{}) (float64, bool) {
	var raw string
	switch v := value.(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = strings.TrimSpace(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return parsed, true
}

// parseOptional parse an optional numeric field, absent when unusable
func parseOptional(value interface{}) *float64 {
	parsed, ok := parseCoordinate(value)
	if !ok {
		return nil
	}
	return &parsed
}

// parseIdentity read a device or user ID, which may be sent as a string or a number
func parseIdentity(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}
