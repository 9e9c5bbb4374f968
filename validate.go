package main

import (
	"strconv"
)

// CreateOrderRequest is the body of POST /api/orders/execute.
type CreateOrderRequest struct {
	TokenIn           string  `json:"tokenIn"`
	TokenOut          string  `json:"tokenOut"`
	AmountIn          string  `json:"amountIn"`
	SlippageTolerance float64 `json:"slippageTolerance"`
	MinAmountOut      string  `json:"minAmountOut"`
}

// validateCreateOrder returns one detail message per violated rule; an
// empty slice means the request is valid.
func validateCreateOrder(req *CreateOrderRequest) []string {
	var details []string

	if req.TokenIn == "" {
		details = append(details, "tokenIn is required")
	}
	if req.TokenOut == "" {
		details = append(details, "tokenOut is required")
	}
	if req.TokenIn != "" && req.TokenIn == req.TokenOut {
		details = append(details, "tokenIn and tokenOut must differ")
	}

	if req.AmountIn == "" {
		details = append(details, "amountIn is required")
	} else if amount, err := strconv.ParseFloat(req.AmountIn, 64); err != nil {
		details = append(details, "amountIn must be a decimal number")
	} else if amount <= 0 {
		details = append(details, "amountIn must be positive")
	}

	if req.SlippageTolerance < 0 || req.SlippageTolerance > 100 {
		details = append(details, "slippageTolerance must be between 0 and 100")
	}

	if req.MinAmountOut != "" {
		if minOut, err := strconv.ParseFloat(req.MinAmountOut, 64); err != nil {
			details = append(details, "minAmountOut must be a decimal number")
		} else if minOut < 0 {
			details = append(details, "minAmountOut must not be negative")
		}
	}

	return details
}
