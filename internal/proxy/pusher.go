package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/model"
)

// Provider resource roots the pusher writes to.
const (
	googleDirectoryPrefix = "admin/directory/v1"
	graphPrefix           = "v1.0"
)

// PushUpdate propagates locally-won field values to the IdP. Membership is
// deliberately not pushed: both providers manage members through subresource
// endpoints and the poller reconverges them.
func (g *Gateway) PushUpdate(ctx context.Context, orgID uint, kind, entityType, externalID string, patch map[string]string, act actor.Actor) error {
	method, path, body, err := updateRequest(kind, entityType, externalID, patch)
	if err != nil {
		return err
	}
	if body == nil {
		// Nothing translatable remained in the patch.
		return nil
	}
	return g.push(ctx, orgID, kind, method, path, body, act)
}

// PushState executes a lifecycle decision against the IdP: suspend or delete
// the external entity.
func (g *Gateway) PushState(ctx context.Context, orgID uint, kind, entityType, externalID string, action lifecycle.Action, act actor.Actor) error {
	method, path, body, err := stateRequest(kind, entityType, externalID, action)
	if err != nil {
		return err
	}
	if method == "" {
		return nil
	}
	return g.push(ctx, orgID, kind, method, path, body, act)
}

func (g *Gateway) push(ctx context.Context, orgID uint, kind, method, path string, body []byte, act actor.Actor) error {
	source := model.SourceLocal
	if act.Type == actor.TypeScheduler {
		source = model.SourceScheduler
	}
	// applyWrites is off: the mirror already holds the values being pushed,
	// and feeding the response back would recurse through it.
	result, err := g.forward(ctx, Request{
		OrgID:  orgID,
		Kind:   kind,
		Method: method,
		Path:   path,
		Body:   body,
		Actor:  act,
		Source: source,
	}, false)
	if err != nil {
		return err
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return fmt.Errorf("push %s %s: upstream status %d", method, path, result.StatusCode)
	}
	return nil
}

func updateRequest(kind, entityType, externalID string, patch map[string]string) (method, path string, body []byte, err error) {
	fields := map[string]any{}
	switch kind {
	case model.IdPKindGoogle:
		switch entityType {
		case model.EntityTypeUser:
			if v, ok := patch["name"]; ok {
				fields["name"] = map[string]string{"fullName": v}
			}
			if v, ok := patch["email"]; ok {
				fields["primaryEmail"] = v
			}
			if v, ok := patch["org_unit"]; ok {
				fields["orgUnitPath"] = v
			}
			if v, ok := patch["department"]; ok {
				fields["organizations"] = []map[string]string{{"department": v}}
			}
			method, path = http.MethodPut, fmt.Sprintf("%s/users/%s", googleDirectoryPrefix, externalID)
		case model.EntityTypeGroup:
			if v, ok := patch["name"]; ok {
				fields["name"] = v
			}
			if v, ok := patch["email"]; ok {
				fields["email"] = v
			}
			method, path = http.MethodPut, fmt.Sprintf("%s/groups/%s", googleDirectoryPrefix, externalID)
		}
	case model.IdPKindMicrosoft:
		switch entityType {
		case model.EntityTypeUser:
			if v, ok := patch["name"]; ok {
				fields["displayName"] = v
			}
			if v, ok := patch["department"]; ok {
				fields["department"] = v
			}
			method, path = http.MethodPatch, fmt.Sprintf("%s/users/%s", graphPrefix, externalID)
		case model.EntityTypeGroup:
			if v, ok := patch["name"]; ok {
				fields["displayName"] = v
			}
			method, path = http.MethodPatch, fmt.Sprintf("%s/groups/%s", graphPrefix, externalID)
		}
	default:
		return "", "", nil, fmt.Errorf("%w: %s", ErrUnknownIdP, kind)
	}
	if method == "" || len(fields) == 0 {
		return "", "", nil, nil
	}
	body, err = json.Marshal(fields)
	return method, path, body, err
}

func stateRequest(kind, entityType, externalID string, action lifecycle.Action) (method, path string, body []byte, err error) {
	collection := "users"
	if entityType == model.EntityTypeGroup {
		collection = "groups"
	}
	switch kind {
	case model.IdPKindGoogle:
		path = fmt.Sprintf("%s/%s/%s", googleDirectoryPrefix, collection, externalID)
		switch {
		case action == lifecycle.ActionDelete:
			return http.MethodDelete, path, nil, nil
		case action == lifecycle.ActionSuspend && entityType == model.EntityTypeUser:
			body, _ = json.Marshal(map[string]bool{"suspended": true})
			return http.MethodPut, path, body, nil
		}
	case model.IdPKindMicrosoft:
		path = fmt.Sprintf("%s/%s/%s", graphPrefix, collection, externalID)
		switch {
		case action == lifecycle.ActionDelete:
			return http.MethodDelete, path, nil, nil
		case action == lifecycle.ActionSuspend && entityType == model.EntityTypeUser:
			body, _ = json.Marshal(map[string]bool{"accountEnabled": false})
			return http.MethodPatch, path, body, nil
		}
	default:
		return "", "", nil, fmt.Errorf("%w: %s", ErrUnknownIdP, kind)
	}
	// Groups carry no suspended flag on either provider.
	return "", "", nil, nil
}
