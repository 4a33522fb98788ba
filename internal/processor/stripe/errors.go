package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	stripego "github.com/stripe/stripe-go/v79"
)

// mapError converts stripe-go failures into processor sentinel errors so callers never import stripe-go.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", processordomain.ErrTransient, err)
	}

	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripego.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", processordomain.ErrNotFound, stripeErr.Msg)
		}
		if isRetryableStripeError(stripeErr) {
			return fmt.Errorf("%w: %s", processordomain.ErrTransient, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", processordomain.ErrRejected, stripeErr.Msg)
	}

	if isRetryableNetworkError(err) {
		return fmt.Errorf("%w: %v", processordomain.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", processordomain.ErrTransient, err)
}

func isRetryableStripeError(stripeErr *stripego.Error) bool {
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError && stripeErr.HTTPStatusCode < 600 {
		return true
	}
	if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	switch stripeErr.Code {
	case stripego.ErrorCodeRateLimit, stripego.ErrorCodeLockTimeout:
		return true
	}
	return false
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
