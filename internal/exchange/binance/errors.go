package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Binance futures API error codes the engine reacts to.
const (
	codeUnknown            = -1000
	codeDisconnected       = -1001
	codeTooManyRequests    = -1003
	codeTimeout            = -1007
	codeTooManyOrders      = -1015
	codeTimestamp          = -1021
	codeBadSignature       = -1022
	codeBadPrecision       = -1111
	codeCancelRejected     = -2011
	codeNoSuchOrder        = -2013
	codeBadAPIKeyFormat    = -2014
	codeRejectedAPIKey     = -2015
	codeBalanceNotEnough   = -2018
	codeMarginInsufficient = -2019
	codeWouldTrigger       = -2021
	codeReduceOnlyReject   = -2022
	codeQtyOutOfRange      = -4003
	codePriceOutOfRange    = -4014
	codeLeverageInvalid    = -4028
	codePositionNotFound   = -4044
	codeNoMarginChange     = -4046
	codeMarginTypeLocked   = -4048
	codeSideMismatch       = -4061
	codeDuplicateClientID  = -4116
	codeLeverageReduction  = -4161
	codeMinNotional        = -4164
)

// classify maps a go-binance error onto the domain taxonomy so callers can
// decide between retrying and surfacing it. The original error stays in the
// chain for logging.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("binance: %s: %w", op, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("binance: %s: %w: %w", op, mapAPICode(apiErr.Code), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || isConnectionError(err) {
		return fmt.Errorf("binance: %s: %w: %w", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("binance: %s: %w: %w", op, domain.ErrUnexpectedPayload, err)
}

func mapAPICode(code int64) error {
	switch code {
	case codeTooManyRequests, codeTooManyOrders:
		return domain.ErrRateLimited
	case codeUnknown, codeDisconnected, codeTimeout, codeTimestamp:
		return domain.ErrTransient
	case codeBadSignature, codeBadAPIKeyFormat, codeRejectedAPIKey:
		return domain.ErrUnauthorized
	case codeNoSuchOrder, codeCancelRejected:
		return domain.ErrOrderNotFound
	case codeBalanceNotEnough, codeMarginInsufficient:
		return domain.ErrInsufficientMargin
	case codeLeverageInvalid, codeLeverageReduction, codeMarginTypeLocked:
		return domain.ErrInvalidLeverage
	case codePositionNotFound, codeReduceOnlyReject:
		return domain.ErrPositionNotFound
	case codeSideMismatch:
		return domain.ErrPositionModeUnsupported
	case codeMinNotional:
		return domain.ErrMinNotional
	case codeBadPrecision, codeWouldTrigger, codeQtyOutOfRange, codePriceOutOfRange:
		return domain.ErrInvalidOrder
	}
	if code <= -1100 && code >= -1199 {
		return domain.ErrInvalidOrder
	}
	return domain.ErrUnexpectedPayload
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "EOF")
}

// apiCode returns the Binance error code carried by err, or 0.
func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
