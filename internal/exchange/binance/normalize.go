package binance

import (
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

const clientIDPrefix = "fb-"

// normalizeStatus maps every exchange order state onto the four engine
// outcomes. Unrecognized states count as canceled so an order can never stay
// open once the exchange stops reporting it as working.
func normalizeStatus(status futures.OrderStatusType, executedQty, avgPrice string) domain.OrderOutcome {
	filled := parseFloat(executedQty)
	switch status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return domain.OutcomeOpen(filled)
	case futures.OrderStatusTypeFilled:
		return domain.OutcomeFilled(filled, parseFloat(avgPrice))
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderOutcome{Status: domain.OrderCanceled, FilledAmount: filled, Reason: strings.ToLower(string(status))}
	case futures.OrderStatusTypeRejected:
		return domain.OutcomeFailed("rejected")
	}
	return domain.OutcomeCanceled("unrecognized status " + string(status))
}

// newClientOrderID encodes the purpose so orders can be filtered on cancel.
// Binance limits client ids to 36 characters.
func newClientOrderID(p domain.OrderPurpose) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return clientIDPrefix + string(p) + "-" + id[:16]
}

// purposeFromClientID recovers the purpose encoded by newClientOrderID.
// Orders placed outside the engine yield PurposeUnknown.
func purposeFromClientID(id string) domain.OrderPurpose {
	rest, ok := strings.CutPrefix(id, clientIDPrefix)
	if !ok {
		return domain.PurposeUnknown
	}
	p, _, _ := strings.Cut(rest, "-")
	return domain.ParsePurpose(p)
}

func openSide(s domain.Side) futures.SideType {
	if s == domain.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func closeSide(s domain.Side) futures.SideType {
	if s == domain.SideShort {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func positionSide(s domain.Side) futures.PositionSideType {
	if s == domain.SideShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

// orderProtects reports whether an open order works against the position on
// side. In hedge mode the position side is explicit; in one-way mode a
// protective order is on the closing side.
func orderProtects(o *futures.Order, side domain.Side, hedgeMode bool) bool {
	if hedgeMode {
		return o.PositionSide == positionSide(side)
	}
	return o.Side == closeSide(side)
}

// snapshotFromRisk picks the entry for side out of a position-risk response.
func snapshotFromRisk(risks []*futures.PositionRisk, side domain.Side, hedgeMode bool) (domain.PositionSnapshot, bool) {
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if hedgeMode {
			if futures.PositionSideType(r.PositionSide) != positionSide(side) {
				continue
			}
		} else if (side == domain.SideLong && amt <= 0) || (side == domain.SideShort && amt >= 0) {
			continue
		}
		if amt < 0 {
			amt = -amt
		}
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(r.Leverage)
		return domain.PositionSnapshot{
			Symbol:     r.Symbol,
			Side:       side,
			Size:       amt,
			EntryPrice: parseFloat(r.EntryPrice),
			MarkPrice:  parseFloat(r.MarkPrice),
			Leverage:   lev,
		}, true
	}
	return domain.PositionSnapshot{}, false
}

func marginModeFromRisk(risks []*futures.PositionRisk) domain.MarginMode {
	for _, r := range risks {
		if r != nil && strings.EqualFold(r.MarginType, "isolated") {
			return domain.MarginIsolated
		}
	}
	return domain.MarginCrossed
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
