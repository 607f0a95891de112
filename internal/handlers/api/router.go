package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/middlewares"
)

// Handlers groups the API surface for route registration.
type Handlers struct {
	Proxy       *ProxyHandler
	Events      *EventsHandler
	Settings    *SettingsHandler
	Entities    *EntitiesHandler
	Credentials *CredentialsHandler
	Orgs        *OrgsHandler
}

// RegisterRoutes mounts the authenticated API under /api.
func RegisterRoutes(app *fiber.App, resolver *actor.Resolver, h Handlers) {
	api := app.Group("/api", middlewares.WithActor(resolver))

	api.Get("/orgs", h.Orgs.GetOrgs)
	api.Post("/orgs", h.Orgs.PostOrg)
	api.Get("/orgs/:orgID", h.Orgs.GetOrg)

	api.Get("/orgs/:orgID/events", h.Events.GetEvents)
	api.Get("/orgs/:orgID/events/verify", h.Events.VerifyChain)

	api.Get("/orgs/:orgID/entities", h.Entities.GetEntities)
	api.Get("/orgs/:orgID/entities/:id", h.Entities.GetEntity)
	api.Post("/orgs/:orgID/entities/:id/restore", h.Entities.PostRestore)

	api.Get("/orgs/:orgID/sync/:idpKind/settings", h.Settings.GetSettings)
	api.Put("/orgs/:orgID/sync/:idpKind/settings", h.Settings.PutSettings)
	api.Post("/orgs/:orgID/sync/:idpKind/poll", h.Settings.PostPoll)

	api.Put("/orgs/:orgID/credentials/:idpKind", h.Credentials.PutCredential)

	api.All("/orgs/:orgID/idp/:idpKind/*", h.Proxy.HandleProxy)
}
