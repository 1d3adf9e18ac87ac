package handlers

import (
	"sort"

	"github.com/agency-marketplace/backend/internal/http/dto"
	"github.com/agency-marketplace/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type MetaHandler struct {
	platformFeeBPS  int
	defaultCurrency string
}

func NewMetaHandler(platformFeeBPS int, defaultCurrency string) *MetaHandler {
	return &MetaHandler{platformFeeBPS: platformFeeBPS, defaultCurrency: defaultCurrency}
}

type MetaTransition struct {
	From    models.JobStatus `json:"from"`
	Trigger models.Trigger   `json:"trigger"`
	To      models.JobStatus `json:"to"`
	Actor   string           `json:"actor"`
}

type MetaJobStates struct {
	Statuses    []models.JobStatus `json:"statuses"`
	Terminal    []models.JobStatus `json:"terminal"`
	Transitions []MetaTransition   `json:"transitions"`
}

// GetJobStates publishes the state machine so clients can render the
// actions available from each status.
func (h *MetaHandler) GetJobStates(c *fiber.Ctx) error {
	out := MetaJobStates{Statuses: models.AllJobStatuses}
	for _, from := range models.AllJobStatuses {
		if models.IsTerminal(from) {
			out.Terminal = append(out.Terminal, from)
		}
		var edges []MetaTransition
		for trigger, edge := range models.JobTransitions[from] {
			edges = append(edges, MetaTransition{From: from, Trigger: trigger, To: edge.To, Actor: string(edge.Actor)})
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].Trigger < edges[j].Trigger })
		out.Transitions = append(out.Transitions, edges...)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *MetaHandler) GetPricing(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{
		"platform_fee_bps": h.platformFeeBPS,
		"default_currency": h.defaultCurrency,
	}})
}
