package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haukh/idport/internal/reconcile"
	"github.com/haukh/idport/model"
)

type googleUser struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	Name         struct {
		FullName string `json:"fullName"`
	} `json:"name"`
	OrgUnitPath   string `json:"orgUnitPath"`
	Suspended     bool   `json:"suspended"`
	Organizations []struct {
		Department string `json:"department"`
	} `json:"organizations"`
}

type googleGroup struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type msUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	Department        string `json:"department"`
	AccountEnabled    *bool  `json:"accountEnabled"`
}

type msGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
}

// ParseObserved reduces one provider entity payload to the tracked field set.
func ParseObserved(kind, entityType string, body []byte, observedAt time.Time) (*reconcile.Observed, error) {
	switch {
	case kind == model.IdPKindGoogle && entityType == model.EntityTypeUser:
		var u googleUser
		if err := json.Unmarshal(body, &u); err != nil || u.ID == "" {
			return nil, fmt.Errorf("parse google user: %w", errOrMissingID(err))
		}
		state := model.StateActive
		if u.Suspended {
			state = model.StateSuspended
		}
		department := ""
		if len(u.Organizations) > 0 {
			department = u.Organizations[0].Department
		}
		return &reconcile.Observed{
			ExternalID: u.ID,
			Name:       u.Name.FullName,
			Email:      u.PrimaryEmail,
			Department: department,
			OrgUnit:    u.OrgUnitPath,
			State:      state,
			ObservedAt: observedAt,
		}, nil
	case kind == model.IdPKindGoogle && entityType == model.EntityTypeGroup:
		var g googleGroup
		if err := json.Unmarshal(body, &g); err != nil || g.ID == "" {
			return nil, fmt.Errorf("parse google group: %w", errOrMissingID(err))
		}
		return &reconcile.Observed{
			ExternalID: g.ID,
			Name:       g.Name,
			Email:      g.Email,
			State:      model.StateActive,
			ObservedAt: observedAt,
		}, nil
	case kind == model.IdPKindMicrosoft && entityType == model.EntityTypeUser:
		var u msUser
		if err := json.Unmarshal(body, &u); err != nil || u.ID == "" {
			return nil, fmt.Errorf("parse microsoft user: %w", errOrMissingID(err))
		}
		email := u.Mail
		if email == "" {
			email = u.UserPrincipalName
		}
		state := model.StateActive
		if u.AccountEnabled != nil && !*u.AccountEnabled {
			state = model.StateSuspended
		}
		return &reconcile.Observed{
			ExternalID: u.ID,
			Name:       u.DisplayName,
			Email:      email,
			Department: u.Department,
			State:      state,
			ObservedAt: observedAt,
		}, nil
	case kind == model.IdPKindMicrosoft && entityType == model.EntityTypeGroup:
		var g msGroup
		if err := json.Unmarshal(body, &g); err != nil || g.ID == "" {
			return nil, fmt.Errorf("parse microsoft group: %w", errOrMissingID(err))
		}
		return &reconcile.Observed{
			ExternalID: g.ID,
			Name:       g.DisplayName,
			Email:      g.Mail,
			State:      model.StateActive,
			ObservedAt: observedAt,
		}, nil
	}
	return nil, fmt.Errorf("no parser for %s %s", kind, entityType)
}

// ParseListing extracts one page of a collection listing plus the token for
// the next page, empty when the listing is complete.
func ParseListing(kind, entityType string, body []byte, observedAt time.Time) ([]*reconcile.Observed, string, error) {
	switch kind {
	case model.IdPKindGoogle:
		var page struct {
			Users         []json.RawMessage `json:"users"`
			Groups        []json.RawMessage `json:"groups"`
			NextPageToken string            `json:"nextPageToken"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", err
		}
		items := page.Users
		if entityType == model.EntityTypeGroup {
			items = page.Groups
		}
		out, err := parseItems(kind, entityType, items, observedAt)
		return out, page.NextPageToken, err
	case model.IdPKindMicrosoft:
		var page struct {
			Value    []json.RawMessage `json:"value"`
			NextLink string            `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", err
		}
		out, err := parseItems(kind, entityType, page.Value, observedAt)
		return out, page.NextLink, err
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownIdP, kind)
}

func parseItems(kind, entityType string, items []json.RawMessage, observedAt time.Time) ([]*reconcile.Observed, error) {
	out := make([]*reconcile.Observed, 0, len(items))
	for _, item := range items {
		obs, err := ParseObserved(kind, entityType, item, observedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

func errOrMissingID(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("missing id")
}
