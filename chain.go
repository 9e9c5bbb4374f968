package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"time"
)

// ErrConfirmationTimeout reports that a submitted transaction did not
// confirm within the caller's deadline.
var ErrConfirmationTimeout = errors.New("confirmation timed out")

// SimulatedChain submits transactions to a simulated ledger and confirms
// them after a short block delay.
type SimulatedChain struct {
	logger *slog.Logger
}

func NewSimulatedChain(logger *slog.Logger) *SimulatedChain {
	return &SimulatedChain{logger: logger}
}

// Submit broadcasts the transaction and returns its hash.
func (c *SimulatedChain) Submit(ctx context.Context, tx []byte) (string, error) {
	if len(tx) == 0 {
		return "", errors.New("empty transaction")
	}

	select {
	case <-time.After(time.Duration(300+mrand.Intn(500)) * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to derive transaction hash: %w", err)
	}
	txHash := hex.EncodeToString(raw)

	c.logger.Info("transaction submitted",
		slog.String("tx_hash", txHash),
	)

	return txHash, nil
}

// AwaitConfirmation blocks until the transaction confirms, the timeout
// elapses, or the context is cancelled.
func (c *SimulatedChain) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	confirmAfter := time.Duration(400+mrand.Intn(1100)) * time.Millisecond

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-time.After(confirmAfter):
		c.logger.Info("transaction confirmed",
			slog.String("tx_hash", txHash),
		)
		return nil
	case <-deadline.C:
		return ErrConfirmationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Chain = (*SimulatedChain)(nil)
