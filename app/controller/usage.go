package controller

import (
	"net/http"

	httpdto "github.com/vibast-solutions/ms-go-freeflow/app/dto"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

type UsageController struct {
	usageService  service.UsageService
	apiKeyService service.APIKeyService
}

func NewUsageController(usageService service.UsageService, apiKeyService service.APIKeyService) *UsageController {
	return &UsageController{
		usageService:  usageService,
		apiKeyService: apiKeyService,
	}
}

func (c *UsageController) Monitoring(ctx echo.Context) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	result, err := c.usageService.Monitoring(ctx.Request().Context(), userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Monitoring lookup failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	return ctx.JSON(http.StatusOK, result)
}

func (c *UsageController) DeveloperStats(ctx echo.Context) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	stats, err := c.apiKeyService.Stats(ctx.Request().Context(), userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Developer stats lookup failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	return ctx.JSON(http.StatusOK, stats)
}
