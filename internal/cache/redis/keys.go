package redis

import (
	"strconv"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Key layout. Composite domain keys are translated to Redis strings only in
// this file.
//
//	pos:{user}:{symbol}:{side}           hash   position record
//	mon:{user}:{symbol}:{order}          hash   live monitored order
//	mon:idx:{user}                       set    live order index ("symbol|order")
//	done:{user}:{symbol}:{order}         hash   completed order (TTL)
//	trail:{user}:{symbol}:{side}         hash   trailing stop (TTL)
//	hedge:{user}:{symbol}                hash   hedge position
//	cool:{user}:{symbol}:{side}          string cooldown marker (TTL)
//	mark:{kind}:{user}:{symbol}:{side}:{level} string dedup marker (TTL)
//	tpseq:{user}:{symbol}:{side}         string TP sequence buffer (JSON)
//	user:{user}:status                   string trading switch
//	user:{user}:status_reason            string last status change reason

func positionKey(k domain.PositionKey) string {
	return "pos:" + k.UserID + ":" + k.Symbol + ":" + string(k.Side)
}

func positionPattern(userID string) string {
	return "pos:" + userID + ":*"
}

func monitorKey(k domain.OrderKey) string {
	return "mon:" + k.UserID + ":" + k.Symbol + ":" + k.OrderID
}

func monitorIndexKey(userID string) string {
	return "mon:idx:" + userID
}

func monitorIndexMember(k domain.OrderKey) string {
	return k.Symbol + "|" + k.OrderID
}

func completedKey(k domain.OrderKey) string {
	return "done:" + k.UserID + ":" + k.Symbol + ":" + k.OrderID
}

func trailingKey(k domain.PositionKey) string {
	return "trail:" + k.UserID + ":" + k.Symbol + ":" + string(k.Side)
}

func trailingPattern(userID string) string {
	return "trail:" + userID + ":*"
}

func hedgeKey(k domain.SymbolKey) string {
	return "hedge:" + k.UserID + ":" + k.Symbol
}

func cooldownKey(k domain.PositionKey) string {
	return "cool:" + k.UserID + ":" + k.Symbol + ":" + string(k.Side)
}

func markerKey(k domain.MarkerKey) string {
	p := k.Position
	return "mark:" + string(k.Kind) + ":" + p.UserID + ":" + p.Symbol + ":" +
		string(p.Side) + ":" + strconv.Itoa(k.Level)
}

func tpSequenceKey(k domain.PositionKey) string {
	return "tpseq:" + k.UserID + ":" + k.Symbol + ":" + string(k.Side)
}

func userStatusKey(userID string) string {
	return "user:" + userID + ":status"
}

func userStatusReasonKey(userID string) string {
	return "user:" + userID + ":status_reason"
}

const userStatusPattern = "user:*:status"
