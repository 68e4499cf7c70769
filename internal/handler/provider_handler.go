package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
)

// ProviderDirectory is implemented by *provider.Registry.
type ProviderDirectory interface {
	Definitions() []config.ProviderDefinition
	Balance(ctx context.Context, name string) (provider.Balance, error)
}

type ProviderHandler struct {
	providers ProviderDirectory
}

func RegisterProviderRoutes(router fiber.Router, providers ProviderDirectory) error {
	if providers == nil {
		return fmt.Errorf("provider directory is required")
	}
	h := &ProviderHandler{providers: providers}

	v1 := router.Group("/v1")
	v1.Get("/providers", h.ListProviders)
	v1.Get("/providers/:name/balance", h.GetBalance)
	return nil
}

type providerResponse struct {
	Name          string   `json:"name"`
	Driver        string   `json:"driver"`
	Priority      int      `json:"priority"`
	Channels      []string `json:"channels"`
	Capabilities  []string `json:"capabilities"`
	MaxRecipients int      `json:"maxRecipients"`
	Currency      string   `json:"currency,omitempty"`
}

// ListProviders never exposes credentials from the provider config block.
func (h *ProviderHandler) ListProviders(c *fiber.Ctx) error {
	defs := h.providers.Definitions()
	items := make([]providerResponse, 0, len(defs))
	for _, def := range defs {
		items = append(items, providerResponse{
			Name:          def.Name,
			Driver:        def.Driver,
			Priority:      def.Priority,
			Channels:      def.Channels,
			Capabilities:  def.Capabilities,
			MaxRecipients: def.MaxRecipients,
			Currency:      def.Currency,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": items})
}

func (h *ProviderHandler) GetBalance(c *fiber.Ctx) error {
	name := strings.ToLower(strings.TrimSpace(c.Params("name")))
	balance, err := h.providers.Balance(requestContext(c), name)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"provider": balance.Provider,
		"amount":   balance.Amount,
		"currency": balance.Currency,
	})
}
