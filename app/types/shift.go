package types

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"

	"github.com/labstack/echo/v4"
)

// ConvertRequest is the body accepted by the dashboard conversion function.
type ConvertRequest struct {
	FromCurrency  string  `json:"fromCurrency"`
	ToCurrency    string  `json:"toCurrency"`
	Amount        float64 `json:"amount"`
	SettleAddress string  `json:"settleAddress"`
}

type ConvertResponse struct {
	ShiftID      string  `json:"shiftId"`
	FromCurrency string  `json:"fromCurrency"`
	ToCurrency   string  `json:"toCurrency"`
	FromAmount   float64 `json:"fromAmount"`
	ToAmount     float64 `json:"toAmount"`
	Status       string  `json:"status"`
	Message      string  `json:"message"`
}

// DeveloperConvertRequest is the body accepted by the public developer API.
type DeveloperConvertRequest struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Amount        float64 `json:"amount"`
	SettleAddress string  `json:"settle_address"`
}

type DeveloperConvertResponse struct {
	ShiftID    string  `json:"shift_id"`
	FromAmount float64 `json:"from_amount"`
	ToAmount   float64 `json:"to_amount"`
	Status     string  `json:"status"`
}

type Shift struct {
	ID            uint64    `json:"id"`
	ShiftID       string    `json:"shift_id"`
	FromCurrency  string    `json:"from_currency"`
	ToCurrency    string    `json:"to_currency"`
	FromAmount    float64   `json:"from_amount"`
	ToAmount      float64   `json:"to_amount"`
	Status        string    `json:"status"`
	SettleAddress string    `json:"settle_address"`
	CreatedAt     time.Time `json:"created_at"`
}

type ListShiftsResponse struct {
	Shifts []*Shift `json:"shifts"`
}

type DashboardResponse struct {
	Shifts  []*Shift    `json:"shifts"`
	APIKeys []*APIKey   `json:"api_keys"`
	Stats   APIKeyStats `json:"stats"`
}

func NewShiftFromEntity(shift *entity.Shift) *Shift {
	return &Shift{
		ID:            shift.ID,
		ShiftID:       shift.ShiftID,
		FromCurrency:  shift.FromCurrency,
		ToCurrency:    shift.ToCurrency,
		FromAmount:    shift.FromAmount,
		ToAmount:      shift.ToAmount,
		Status:        shift.Status,
		SettleAddress: shift.SettleAddress,
		CreatedAt:     shift.CreatedAt,
	}
}

func NewConvertRequestFromContext(ctx echo.Context) (*ConvertRequest, error) {
	var body ConvertRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.Normalize()
	return &body, nil
}

func (r *ConvertRequest) Normalize() {
	r.FromCurrency = strings.ToUpper(strings.TrimSpace(r.FromCurrency))
	r.ToCurrency = strings.ToUpper(strings.TrimSpace(r.ToCurrency))
	r.SettleAddress = strings.TrimSpace(r.SettleAddress)
}

func (r *ConvertRequest) Validate() error {
	if r.FromCurrency == "" || r.ToCurrency == "" {
		return errors.New("fromCurrency and toCurrency are required")
	}
	if r.FromCurrency == r.ToCurrency {
		return errors.New("fromCurrency and toCurrency must differ")
	}
	if r.Amount <= 0 || math.IsInf(r.Amount, 0) || math.IsNaN(r.Amount) {
		return errors.New("amount must be greater than 0")
	}
	if r.SettleAddress == "" {
		return errors.New("please enter a settlement address")
	}

	return nil
}

func NewDeveloperConvertRequestFromContext(ctx echo.Context) (*DeveloperConvertRequest, error) {
	var body DeveloperConvertRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	return &body, nil
}

// ToConvertRequest maps the developer API field names onto the internal request.
func (r *DeveloperConvertRequest) ToConvertRequest() *ConvertRequest {
	req := &ConvertRequest{
		FromCurrency:  r.From,
		ToCurrency:    r.To,
		Amount:        r.Amount,
		SettleAddress: r.SettleAddress,
	}
	req.Normalize()
	return req
}

func NewDeveloperConvertResponse(res *ConvertResponse) *DeveloperConvertResponse {
	return &DeveloperConvertResponse{
		ShiftID:    res.ShiftID,
		FromAmount: res.FromAmount,
		ToAmount:   res.ToAmount,
		Status:     res.Status,
	}
}
