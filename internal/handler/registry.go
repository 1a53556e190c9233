package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipvault/coordinator/internal/model"
	"github.com/clipvault/coordinator/internal/service"
	"github.com/clipvault/coordinator/pkg/response"
)

type RegistryHandler struct {
	service   *service.RegistryService
	validator *validator.Validate
}

func NewRegistryHandler(svc *service.RegistryService, v *validator.Validate) *RegistryHandler {
	return &RegistryHandler{
		service:   svc,
		validator: v,
	}
}

// Register handles POST /api/services/register
func (h *RegistryHandler) Register(c *fiber.Ctx) error {
	var req model.ServiceRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	reg, err := h.service.Register(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, reg)
}

// List handles GET /api/services
func (h *RegistryHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
