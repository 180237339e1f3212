package transform

import (
	"encoding/json"

	"github.com/tsarna/go-structdiff"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"go.uber.org/zap"
)

// DiffTransform replaces "old"/"new" pairs in update payloads with their
// structural difference.
//
// A payload that is an object holding exactly "old" and "new" is replaced by
// the diff. When other keys are present they are kept and the diff is stored
// under "delta". The same applies to the "data" member of a RealTimeUpdate,
// so
//
//	{"entityId": 7, "action": "UPDATED", "data": {"old": {"price": 10}, "new": {"price": 12}}}
//
// becomes
//
//	{"entityId": 7, "action": "UPDATED", "data": {"price": 12}}
//
// Anything else passes through unchanged.
func DiffTransform(logger *zap.Logger) stompnotify.MessageTransformFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		payload, ok := msg.Payload.(map[string]any)
		if !ok {
			return msg, true
		}

		var changed bool
		var result map[string]any

		if diffed, ok := diffPair(payload); ok {
			if m, isMap := diffed.(map[string]any); isMap {
				result = m
			} else {
				result = map[string]any{"delta": diffed}
			}
			changed = true
		} else if data, isMap := payload["data"].(map[string]any); isMap {
			if diffed, ok := diffPair(data); ok {
				result = make(map[string]any, len(payload))
				for key, value := range payload {
					result[key] = value
				}
				result["data"] = diffed
				changed = true
			}
		}

		if !changed {
			return msg, true
		}

		body, err := json.Marshal(result)
		if err != nil {
			logger.Error("Diff transform: failed to encode result",
				zap.String("destination", msg.Destination),
				zap.Error(err))
			return msg, true
		}

		return withPayload(msg, result, body), true
	}
}

// diffPair diffs value["old"] against value["new"]. ok is false when value
// has no such pair or the diff fails.
func diffPair(value map[string]any) (any, bool) {
	oldValue, hasOld := value["old"]
	newValue, hasNew := value["new"]
	if !hasOld || !hasNew {
		return nil, false
	}

	diff, err := structdiff.Diff(oldValue, newValue)
	if err != nil {
		return nil, false
	}

	if len(value) == 2 {
		return diff, true
	}

	extended := make(map[string]any, len(value)-1)
	for key, v := range value {
		if key != "old" && key != "new" {
			extended[key] = v
		}
	}
	extended["delta"] = diff

	return extended, true
}
