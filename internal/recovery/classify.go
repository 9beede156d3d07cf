// Package recovery classifies per-record failures and runs the recovery tactics for each class.
package recovery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"projectsync/internal/database"
	"projectsync/internal/model"
	"projectsync/pkg/upstream"
	"strings"
)

// Class is the failure category a tactic list is chosen by
type Class string

const (
	ClassNetwork     Class = "network"
	ClassNotFound    Class = "not_found"
	ClassRateLimit   Class = "rate_limit"
	ClassForbidden   Class = "forbidden"
	ClassClientError Class = "client_error"
	ClassServerError Class = "server_error"
	ClassMaintenance Class = "maintenance"
	ClassDatabase    Class = "database"
	ClassValidation  Class = "validation"
	ClassUnknown     Class = "unknown"
)

// Classification is the result of inspecting a failure
type Classification struct {
	Class      Class
	DBKind     string
	StatusCode int
	Message    string
}

// Key is the class with the database kind appended, e.g. "database.duplicate"
func (c Classification) Key() string {
	if c.Class == ClassDatabase && c.DBKind != "" {
		return string(c.Class) + "." + c.DBKind
	}
	return string(c.Class)
}

type messageRule struct {
	needles []string
	class   Class
	dbKind  string
}

// checked in order against the lowercased message when nothing typed matched
var messageRules = []messageRule{
	{[]string{"maintenance"}, ClassMaintenance, ""},
	{[]string{"duplicate key", "unique constraint"}, ClassDatabase, database.KindDuplicate},
	{[]string{"null value", "not-null constraint"}, ClassDatabase, database.KindNullConstraint},
	{[]string{"foreign key"}, ClassDatabase, database.KindForeignKey},
	{[]string{"too many requests", "rate limit"}, ClassRateLimit, ""},
	{[]string{"forbidden", "unauthorized", "access denied"}, ClassForbidden, ""},
	{[]string{"not found", "no data"}, ClassNotFound, ""},
	{[]string{"timeout", "timed out", "connection refused", "connection reset", "no such host", "broken pipe", "eof"}, ClassNetwork, ""},
	{[]string{"invalid", "validation", "malformed"}, ClassValidation, ""},
}

// Classify inspects HTTP status codes, Postgres error codes, network errors and
// finally the message text
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassUnknown}
	}
	msg := err.Error()
	c := Classification{Class: ClassUnknown, Message: msg}

	if errors.Is(err, model.ErrValidation) {
		c.Class = ClassValidation
		return c
	}

	switch kind := database.ErrorKind(err); kind {
	case "":
	case database.KindInvalidData:
		c.Class = ClassValidation
		return c
	default:
		c.Class = ClassDatabase
		c.DBKind = kind
		return c
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		c.StatusCode = statusErr.StatusCode
		c.Class = classifyStatus(statusErr)
		return c
	}
	if errors.Is(err, upstream.ErrNoData) {
		c.Class = ClassNotFound
		return c
	}

	if isNetwork(err) {
		c.Class = ClassNetwork
		return c
	}

	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				c.Class = rule.class
				c.DBKind = rule.dbKind
				return c
			}
		}
	}
	return c
}

func classifyStatus(e *upstream.StatusError) Class {
	code := e.StatusCode
	switch {
	case upstream.IsMaintenance(e):
		return ClassMaintenance
	case code == http.StatusNotFound || code == http.StatusGone:
		return ClassNotFound
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassForbidden
	case code >= 500:
		return ClassServerError
	case code >= 400:
		return ClassClientError
	}
	return ClassUnknown
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
