package mail

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/render"
	"github.com/haukh/idport/model"
)

// SendEscalationNotice emails organization admins about a lifecycle decision
// that needs human review, such as a deferred delete entering its grace
// period.
func SendEscalationNotice(sender MailSender, recipients []string, entity *model.ManagedEntity, reason, entityURL string) error {
	params := fiber.Map{
		"entityName":    entity.Name,
		"entityType":    entity.EntityType,
		"entityEmail":   entity.Email,
		"idpKind":       entity.IdPKind,
		"localState":    entity.LocalState,
		"externalState": entity.ExternalState,
		"reason":        reason,
		"entityURL":     entityURL,
	}
	if entity.PendingDeleteAt != nil {
		params["pendingDeleteAt"] = entity.PendingDeleteAt.Format(time.RFC1123)
	}
	body, err := render.RenderHTML("mail/escalation-notice", params)
	if err != nil {
		return err
	}
	return sender.Send(&Message{
		To:      recipients,
		Subject: fmt.Sprintf("Action required: %s %q needs review", entity.EntityType, entity.Name),
		Body:    body,
		IsHTML:  true,
	})
}
