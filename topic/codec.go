// Package topic encodes the company / group / user addressing scheme into MQTT topics.
//
// Location reports are published on
//
//	company/{companyId}/{groupId}/{userId}/location
//
// and a tracker subscribes with a filter where the unused levels are the single level
// wildcard "+".
package topic

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// Wildcard the MQTT single level wildcard
	Wildcard = "+"
	// MultiLevelWildcard the MQTT multi level wildcard
	MultiLevelWildcard = "#"
	// Separator the MQTT topic level separator
	Separator = "/"

	rootLevel  = "company"
	leafLevel  = "location"
	levelCount = 5

	companyIndex = 1
	groupIndex   = 2
	userIndex    = 3
)

// Address identifies the scope of devices to track
type Address struct {
	// CompanyID is the tenant. Required.
	CompanyID string `json:"company_id" validate:"required,topic_level"`
	// GroupID optionally limits the scope to one group of the company
	GroupID string `json:"group_id,omitempty" validate:"omitempty,topic_level"`
	// UserID optionally limits the scope to one user of the company, in any group
	UserID string `json:"user_id,omitempty" validate:"omitempty,topic_level"`
}

// String toString function
func (a Address) String() string {
	return fmt.Sprintf("company(%s) group(%s) user(%s)", a.CompanyID, a.GroupID, a.UserID)
}

// Validate check the address can be encoded into a topic filter
func (a Address) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("topic_level", validateTopicLevel); err != nil {
		return err
	}
	return validate.Struct(&a)
}

// validateTopicLevel a topic level literal must not contain separators or wildcards
func validateTopicLevel(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), Separator+Wildcard+MultiLevelWildcard)
}

// BuildFilter build the subscription topic filter for an address
//
// UserID takes precedence over GroupID: a user is matched across every group.
func BuildFilter(addr Address) string {
	group := Wildcard
	user := Wildcard
	if addr.UserID != "" {
		user = addr.UserID
	} else if addr.GroupID != "" {
		group = addr.GroupID
	}
	return strings.Join([]string{rootLevel, addr.CompanyID, group, user, leafLevel}, Separator)
}

// literalAt return the literal topic level at an index, if present, non-empty and not a wildcard
func literalAt(topic string, index int) (string, bool) {
	levels := strings.Split(topic, Separator)
	if len(levels) <= index {
		return "", false
	}
	if levels[index] == Wildcard || levels[index] == "" {
		return "", false
	}
	return levels[index], true
}

// ParseCompanyID extract the company ID from a topic
func ParseCompanyID(topic string) (string, bool) {
	return literalAt(topic, companyIndex)
}

// ParseGroupID extract the group ID from a topic
func ParseGroupID(topic string) (string, bool) {
	return literalAt(topic, groupIndex)
}

// ParseUserID extract the user ID from a topic
func ParseUserID(topic string) (string, bool) {
	return literalAt(topic, userIndex)
}

// ParseAddress extract the full addressing tuple from a topic. Returns false if the
// topic does not carry a company ID.
func ParseAddress(topic string) (Address, bool) {
	company, ok := ParseCompanyID(topic)
	if !ok {
		return Address{}, false
	}
	group, _ := ParseGroupID(topic)
	user, _ := ParseUserID(topic)
	return Address{CompanyID: company, GroupID: group, UserID: user}, true
}

// IsLocationFilter whether the topic follows the company/.../location layout
func IsLocationFilter(topic string) bool {
	levels := strings.Split(topic, Separator)
	return len(levels) == levelCount && levels[0] == rootLevel && levels[levelCount-1] == leafLevel
}
