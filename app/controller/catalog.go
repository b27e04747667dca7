package controller

import (
	"net/http"

	"github.com/vibast-solutions/ms-go-freeflow/app/catalog"

	"github.com/labstack/echo/v4"
)

type planView struct {
	catalog.Plan
	CallToAction string `json:"call_to_action"`
}

type PlansResponse struct {
	Plans []planView `json:"plans"`
}

type CurrenciesResponse struct {
	Currencies []string `json:"currencies"`
}

type CatalogController struct {
	catalog *catalog.Catalog
}

func NewCatalogController(c *catalog.Catalog) *CatalogController {
	return &CatalogController{catalog: c}
}

func (c *CatalogController) Plans(ctx echo.Context) error {
	plans := make([]planView, 0, len(c.catalog.Plans))
	for _, plan := range c.catalog.Plans {
		plans = append(plans, planView{Plan: plan, CallToAction: plan.CallToAction()})
	}
	return ctx.JSON(http.StatusOK, &PlansResponse{Plans: plans})
}

func (c *CatalogController) Currencies(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &CurrenciesResponse{Currencies: c.catalog.Currencies})
}

func Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
