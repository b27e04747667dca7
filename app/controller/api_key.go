package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	httpdto "github.com/vibast-solutions/ms-go-freeflow/app/dto"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

type APIKeyController struct {
	apiKeyService service.APIKeyService
}

func NewAPIKeyController(apiKeyService service.APIKeyService) *APIKeyController {
	return &APIKeyController{apiKeyService: apiKeyService}
}

func (c *APIKeyController) List(ctx echo.Context) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	keys, err := c.apiKeyService.List(ctx.Request().Context(), userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("List api keys failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	return ctx.JSON(http.StatusOK, &types.ListAPIKeysResponse{APIKeys: keys})
}

func (c *APIKeyController) Create(ctx echo.Context) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	req, err := types.NewCreateAPIKeyRequestFromContext(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Failed to bind create api key request")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "invalid request body"})
	}

	if err = req.Validate(); err != nil {
		logrus.WithField("user_id", userID).Debug("Create api key validation failed")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: err.Error()})
	}

	result, err := c.apiKeyService.Create(ctx.Request().Context(), userID, req)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Create api key failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	logrus.WithFields(logrus.Fields{
		"user_id":    userID,
		"api_key_id": result.APIKey.ID,
		"key_prefix": result.APIKey.KeyPrefix,
	}).Info("API key created")

	return ctx.JSON(http.StatusCreated, result)
}

func (c *APIKeyController) Revoke(ctx echo.Context) error {
	return c.mutate(ctx, "revoke", c.apiKeyService.Revoke, "API key revoked successfully")
}

func (c *APIKeyController) Delete(ctx echo.Context) error {
	return c.mutate(ctx, "delete", c.apiKeyService.Delete, "API key deleted successfully")
}

func (c *APIKeyController) mutate(
	ctx echo.Context,
	action string,
	op func(reqCtx context.Context, userID, keyID uint64) error,
	message string,
) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	keyID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || keyID == 0 {
		logrus.WithField("id", ctx.Param("id")).Debug("Invalid api key id")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "invalid api key id"})
	}

	fields := logrus.Fields{"user_id": userID, "api_key_id": keyID, "action": action}
	if err = op(ctx.Request().Context(), userID, keyID); err != nil {
		if errors.Is(err, service.ErrAPIKeyNotFound) {
			logrus.WithFields(fields).Warn("API key not found")
			return ctx.JSON(http.StatusNotFound, httpdto.ErrorResponse{Error: "api key not found"})
		}
		logrus.WithError(err).WithFields(fields).Error("API key update failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	logrus.WithFields(fields).Info("API key updated")
	return ctx.JSON(http.StatusOK, httpdto.MessageResponse{Message: message})
}
