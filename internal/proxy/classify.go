package proxy

import (
	"strings"

	"github.com/haukh/idport/model"
)

type Operation string

const (
	OpList    Operation = "list"
	OpGet     Operation = "get"
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpUnknown Operation = "unknown"
)

// Classification is the gateway's shallow reading of a proxied path: which
// entity type it touches, whether it addresses one resource or a collection,
// and what the HTTP method implies. The gateway stays deliberately dumb
// about anything deeper.
type Classification struct {
	EntityType string // "user", "group" or empty when unrecognized
	ExternalID string
	Operation  Operation
}

// Write reports whether the call mutates a known entity type.
func (c Classification) Write() bool {
	switch c.Operation {
	case OpCreate, OpUpdate, OpDelete:
		return c.EntityType != ""
	}
	return false
}

// Classify inspects method and path. It understands the users/groups
// collections of both providers; everything else passes through unclassified.
func Classify(method, path string) Classification {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	idx := -1
	entityType := ""
	for i, seg := range segments {
		switch seg {
		case "users":
			idx, entityType = i, model.EntityTypeUser
		case "groups":
			idx, entityType = i, model.EntityTypeGroup
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return Classification{Operation: OpUnknown}
	}

	c := Classification{EntityType: entityType}
	if idx+1 < len(segments) {
		c.ExternalID = segments[idx+1]
	}
	hasSubresource := idx+2 < len(segments) // e.g. groups/{id}/members

	switch strings.ToUpper(method) {
	case "GET":
		if c.ExternalID == "" {
			c.Operation = OpList
		} else {
			c.Operation = OpGet
		}
	case "POST":
		if c.ExternalID == "" {
			c.Operation = OpCreate
		} else {
			// POST on a subresource of one entity mutates it.
			c.Operation = OpUpdate
		}
	case "PUT", "PATCH":
		if c.ExternalID == "" {
			c.Operation = OpUnknown
		} else {
			c.Operation = OpUpdate
		}
	case "DELETE":
		if c.ExternalID == "" {
			c.Operation = OpUnknown
		} else if hasSubresource {
			// Deleting a subresource (a group member) updates the parent.
			c.Operation = OpUpdate
		} else {
			c.Operation = OpDelete
		}
	default:
		c.Operation = OpUnknown
	}
	return c
}
