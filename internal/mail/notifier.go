package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haukh/idport/internal/orgs"
	"github.com/haukh/idport/model"
)

// EscalationNotifier delivers lifecycle escalation notices to the owning
// organization's admin addresses.
type EscalationNotifier struct {
	sender  MailSender
	orgs    orgs.Repository
	baseURL string
}

func NewEscalationNotifier(sender MailSender, orgsRepo orgs.Repository, baseURL string) *EscalationNotifier {
	return &EscalationNotifier{
		sender:  sender,
		orgs:    orgsRepo,
		baseURL: baseURL,
	}
}

func (n *EscalationNotifier) NotifyEscalation(ctx context.Context, orgID uint, entity *model.ManagedEntity, reason string) error {
	org, err := n.orgs.FirstByID(ctx, orgID)
	if err != nil {
		return err
	}
	recipients := org.AdminRecipients()
	if len(recipients) == 0 {
		slog.Warn("No admin recipients configured for escalation notice", "org", orgID, "entity", entity.ID)
		return nil
	}
	entityURL := fmt.Sprintf("%s/orgs/%d/entities/%d", n.baseURL, orgID, entity.ID)
	return SendEscalationNotice(n.sender, recipients, entity, reason, entityURL)
}
