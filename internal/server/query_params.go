package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
)

const dateOnlyLayout = "2006-01-02"

var (
	errInvalidSnowflakeID = errors.New("invalid_snowflake_id")
	errInvalidTime        = errors.New("invalid_time")
)

// optional trims value and returns nil for blank input, parse's result otherwise.
func optional[T any](value string, parse func(string) (T, error)) (*T, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := parse(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalBool(value string) (*bool, error) {
	return optional(value, strconv.ParseBool)
}

func parseOptionalInt64(value string) (*int64, error) {
	return optional(value, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// parseOptionalSnowflakeID rejects zero and negative ids; neither is ever issued.
func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	return optional(value, func(s string) (snowflake.ID, error) {
		id, err := snowflake.ParseString(s)
		if err != nil || id <= 0 {
			return 0, errInvalidSnowflakeID
		}
		return id, nil
	})
}

func parseOptionalMethod(value string) (*ledgerdomain.Method, error) {
	return optional(value, ledgerdomain.ParseMethod)
}

// parseOptionalTime accepts RFC 3339 or a bare date. A bare date is the
// start of that UTC day, or its last nanosecond when endOfDay is set.
func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	return optional(value, func(s string) (time.Time, error) {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed, nil
		}
		day, err := time.ParseInLocation(dateOnlyLayout, s, time.UTC)
		if err != nil {
			return time.Time{}, errInvalidTime
		}
		if endOfDay {
			return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return day, nil
	})
}

// pathID parses the :id segment and aborts the request when it is malformed.
func pathID(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return *id, true
}
