package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateCreateOrder(t *testing.T) {
	valid := CreateOrderRequest{
		TokenIn:           "SOL",
		TokenOut:          "USDC",
		AmountIn:          "10.5",
		SlippageTolerance: 1,
	}

	tests := []struct {
		name        string
		mutate      func(*CreateOrderRequest)
		wantDetails []string
	}{
		{
			name:   "valid",
			mutate: func(r *CreateOrderRequest) {},
		},
		{
			name:   "valid with minAmountOut",
			mutate: func(r *CreateOrderRequest) { r.MinAmountOut = "9.8" },
		},
		{
			name:        "missing tokenIn",
			mutate:      func(r *CreateOrderRequest) { r.TokenIn = "" },
			wantDetails: []string{"tokenIn is required"},
		},
		{
			name:        "missing tokenOut",
			mutate:      func(r *CreateOrderRequest) { r.TokenOut = "" },
			wantDetails: []string{"tokenOut is required"},
		},
		{
			name:        "identical tokens",
			mutate:      func(r *CreateOrderRequest) { r.TokenOut = "SOL" },
			wantDetails: []string{"tokenIn and tokenOut must differ"},
		},
		{
			name:        "missing amountIn",
			mutate:      func(r *CreateOrderRequest) { r.AmountIn = "" },
			wantDetails: []string{"amountIn is required"},
		},
		{
			name:        "non-numeric amountIn",
			mutate:      func(r *CreateOrderRequest) { r.AmountIn = "ten" },
			wantDetails: []string{"amountIn must be a decimal number"},
		},
		{
			name:        "zero amountIn",
			mutate:      func(r *CreateOrderRequest) { r.AmountIn = "0" },
			wantDetails: []string{"amountIn must be positive"},
		},
		{
			name:        "negative amountIn",
			mutate:      func(r *CreateOrderRequest) { r.AmountIn = "-3" },
			wantDetails: []string{"amountIn must be positive"},
		},
		{
			name:        "negative slippage",
			mutate:      func(r *CreateOrderRequest) { r.SlippageTolerance = -0.1 },
			wantDetails: []string{"slippageTolerance must be between 0 and 100"},
		},
		{
			name:        "slippage above 100",
			mutate:      func(r *CreateOrderRequest) { r.SlippageTolerance = 100.5 },
			wantDetails: []string{"slippageTolerance must be between 0 and 100"},
		},
		{
			name:        "non-numeric minAmountOut",
			mutate:      func(r *CreateOrderRequest) { r.MinAmountOut = "lots" },
			wantDetails: []string{"minAmountOut must be a decimal number"},
		},
		{
			name:        "negative minAmountOut",
			mutate:      func(r *CreateOrderRequest) { r.MinAmountOut = "-1" },
			wantDetails: []string{"minAmountOut must not be negative"},
		},
		{
			name: "multiple violations",
			mutate: func(r *CreateOrderRequest) {
				r.TokenIn = ""
				r.AmountIn = ""
				r.SlippageTolerance = 200
			},
			wantDetails: []string{
				"tokenIn is required",
				"amountIn is required",
				"slippageTolerance must be between 0 and 100",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.Equal(t, tt.wantDetails, validateCreateOrder(&req))
		})
	}
}
