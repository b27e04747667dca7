package controller

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	httpdto "github.com/vibast-solutions/ms-go-freeflow/app/dto"
	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/middleware"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	DashboardShiftLimit = 10
	defaultShiftLimit   = 10
	maxShiftLimit       = 100

	functionAllowHeaders = "authorization, x-client-info, apikey, content-type"
)

type ShiftController struct {
	shiftService    service.ShiftService
	apiKeyService   service.APIKeyService
	userAuthService service.UserAuthService
}

func NewShiftController(
	shiftService service.ShiftService,
	apiKeyService service.APIKeyService,
	userAuthService service.UserAuthService,
) *ShiftController {
	return &ShiftController{
		shiftService:    shiftService,
		apiKeyService:   apiKeyService,
		userAuthService: userAuthService,
	}
}

func (c *ShiftController) Dashboard(ctx echo.Context) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	reqCtx := ctx.Request().Context()
	shifts, err := c.shiftService.ListRecent(reqCtx, userID, DashboardShiftLimit)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Dashboard shifts lookup failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	keys, err := c.apiKeyService.List(reqCtx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Dashboard api keys lookup failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	return ctx.JSON(http.StatusOK, &types.DashboardResponse{
		Shifts:  shifts,
		APIKeys: keys,
		Stats:   service.SummarizeAPIKeys(keys),
	})
}

func (c *ShiftController) List(ctx echo.Context) error {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}
	return c.listShifts(ctx, userID)
}

// ConvertFunction serves the dashboard conversion function. Every failure is
// reported as 400 with an error message the front end shows verbatim.
func (c *ShiftController) ConvertFunction(ctx echo.Context) error {
	setFunctionCORSHeaders(ctx)

	authHeader := ctx.Request().Header.Get("Authorization")
	if authHeader == "" {
		logrus.Debug("Conversion function called without authorization header")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "Missing authorization header"})
	}

	claims, err := c.userAuthService.ValidateAccessToken(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		logrus.Debug("Conversion function called with invalid token")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "Unauthorized"})
	}

	req, err := types.NewConvertRequestFromContext(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Failed to bind conversion request")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "invalid request body"})
	}

	if err = req.Validate(); err != nil {
		logrus.WithField("user_id", claims.UserID).Debug("Conversion validation failed")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: err.Error()})
	}

	fields := logrus.Fields{
		"user_id":       claims.UserID,
		"from_currency": req.FromCurrency,
		"to_currency":   req.ToCurrency,
		"amount":        req.Amount,
	}
	logrus.WithFields(fields).Info("Conversion request received")

	result, err := c.shiftService.Convert(ctx.Request().Context(), claims.UserID, 0, req)
	if err != nil {
		if errors.Is(err, service.ErrQuoteUnavailable) {
			logrus.WithError(err).WithFields(fields).Warn("Conversion failed: quote unavailable")
			return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "Failed to get conversion quote"})
		}
		logrus.WithError(err).WithFields(fields).Error("Conversion failed")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "Failed to create shift"})
	}

	logrus.WithFields(fields).WithField("shift_id", result.ShiftID).Info("Conversion initiated")
	return ctx.JSON(http.StatusOK, result)
}

func (c *ShiftController) ConvertFunctionOptions(ctx echo.Context) error {
	setFunctionCORSHeaders(ctx)
	return ctx.NoContent(http.StatusOK)
}

func (c *ShiftController) DeveloperConvert(ctx echo.Context) error {
	key, ok := apiKeyFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}

	body, err := types.NewDeveloperConvertRequestFromContext(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Failed to bind developer conversion request")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: "invalid request body"})
	}

	req := body.ToConvertRequest()
	if err = req.Validate(); err != nil {
		logrus.WithField("api_key_id", key.ID).Debug("Developer conversion validation failed")
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: err.Error()})
	}

	fields := logrus.Fields{
		"user_id":       key.UserID,
		"api_key_id":    key.ID,
		"from_currency": req.FromCurrency,
		"to_currency":   req.ToCurrency,
	}

	result, err := c.shiftService.Convert(ctx.Request().Context(), key.UserID, key.ID, req)
	if err != nil {
		if errors.Is(err, service.ErrQuoteUnavailable) {
			logrus.WithError(err).WithFields(fields).Warn("Developer conversion failed: quote unavailable")
			return ctx.JSON(http.StatusBadGateway, httpdto.ErrorResponse{Error: "failed to get conversion quote"})
		}
		logrus.WithError(err).WithFields(fields).Error("Developer conversion failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	logrus.WithFields(fields).WithField("shift_id", result.ShiftID).Info("Developer conversion initiated")
	return ctx.JSON(http.StatusOK, types.NewDeveloperConvertResponse(result))
}

func (c *ShiftController) DeveloperList(ctx echo.Context) error {
	key, ok := apiKeyFromContext(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, httpdto.ErrorResponse{Error: "unauthorized"})
	}
	return c.listShifts(ctx, key.UserID)
}

func (c *ShiftController) listShifts(ctx echo.Context, userID uint64) error {
	limit, err := parseLimit(ctx.QueryParam("limit"), defaultShiftLimit, maxShiftLimit)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, httpdto.ErrorResponse{Error: err.Error()})
	}

	shifts, err := c.shiftService.ListRecent(ctx.Request().Context(), userID, limit)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("List shifts failed")
		return ctx.JSON(http.StatusInternalServerError, httpdto.ErrorResponse{Error: "internal server error"})
	}

	return ctx.JSON(http.StatusOK, &types.ListShiftsResponse{Shifts: shifts})
}

func parseLimit(raw string, defaultLimit, maxLimit int) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func apiKeyFromContext(ctx echo.Context) (*entity.APIKey, bool) {
	key, ok := ctx.Get(middleware.ContextKeyAPIKey).(*entity.APIKey)
	return key, ok && key != nil
}

func setFunctionCORSHeaders(ctx echo.Context) {
	header := ctx.Response().Header()
	header.Set(echo.HeaderAccessControlAllowOrigin, "*")
	header.Set(echo.HeaderAccessControlAllowHeaders, functionAllowHeaders)
}
