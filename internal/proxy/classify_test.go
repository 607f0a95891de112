package proxy

import (
	"testing"

	"github.com/haukh/idport/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   Classification
	}{
		{"GET", "/admin/directory/v1/users", Classification{EntityType: model.EntityTypeUser, Operation: OpList}},
		{"GET", "/admin/directory/v1/users/u1", Classification{EntityType: model.EntityTypeUser, ExternalID: "u1", Operation: OpGet}},
		{"POST", "/admin/directory/v1/users", Classification{EntityType: model.EntityTypeUser, Operation: OpCreate}},
		{"PUT", "/admin/directory/v1/users/u1", Classification{EntityType: model.EntityTypeUser, ExternalID: "u1", Operation: OpUpdate}},
		{"PATCH", "/v1.0/users/u1", Classification{EntityType: model.EntityTypeUser, ExternalID: "u1", Operation: OpUpdate}},
		{"DELETE", "/v1.0/users/u1", Classification{EntityType: model.EntityTypeUser, ExternalID: "u1", Operation: OpDelete}},
		{"GET", "/v1.0/groups", Classification{EntityType: model.EntityTypeGroup, Operation: OpList}},
		// Membership subresources mutate the parent group.
		{"POST", "/admin/directory/v1/groups/g1/members", Classification{EntityType: model.EntityTypeGroup, ExternalID: "g1", Operation: OpUpdate}},
		{"DELETE", "/admin/directory/v1/groups/g1/members/u1", Classification{EntityType: model.EntityTypeGroup, ExternalID: "g1", Operation: OpUpdate}},
		// Unrecognized surfaces pass through unclassified.
		{"GET", "/admin/directory/v1/orgunits", Classification{Operation: OpUnknown}},
		{"PUT", "/v1.0/users", Classification{EntityType: model.EntityTypeUser, Operation: OpUnknown}},
	}
	for _, tt := range tests {
		got := Classify(tt.method, tt.path)
		if got != tt.want {
			t.Errorf("Classify(%s %s) = %+v, want %+v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestClassificationWrite(t *testing.T) {
	if (Classification{EntityType: model.EntityTypeUser, Operation: OpGet}).Write() {
		t.Error("get must not be a write")
	}
	if (Classification{Operation: OpDelete}).Write() {
		t.Error("delete of an unknown entity type must not be a write")
	}
	if !(Classification{EntityType: model.EntityTypeGroup, Operation: OpCreate}).Write() {
		t.Error("create of a known entity type is a write")
	}
}
