package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"go.uber.org/zap"
)

// JqTransform compiles jqQuery and returns a transform that runs it over
// each message payload. The message body is re-encoded from the result.
//
// The query has access to $destination, the message destination.
//
// Examples:
//
//	.data                                   // keep only the update data
//	select(.action != "DELETED")            // drop deletions
//	{dest: $destination, who: .sender}      // reshape chat messages
//
// A query producing no results drops the message. Multiple results are
// collected into an array. Runtime errors are logged and the message passes
// through unchanged.
func JqTransform(jqQuery string, logger *zap.Logger) (stompnotify.MessageTransformFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$destination"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	return func(msg *stompnotify.Message) (*stompnotify.Message, bool) {
		input, err := jqInput(msg)
		if err != nil {
			logger.Error("JQ transform: failed to prepare payload",
				zap.String("jq_query", jqQuery),
				zap.String("destination", msg.Destination),
				zap.Error(err))
			return msg, true
		}

		iter := code.RunWithContext(context.Background(), input, msg.Destination)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("JQ transform: JQ execution error",
					zap.String("jq_query", jqQuery),
					zap.String("destination", msg.Destination),
					zap.Error(execErr))
				return msg, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}

		var payload any = results
		if len(results) == 1 {
			payload = results[0]
		}

		body, err := json.Marshal(payload)
		if err != nil {
			logger.Error("JQ transform: failed to encode result",
				zap.String("jq_query", jqQuery),
				zap.String("destination", msg.Destination),
				zap.Error(err))
			return msg, true
		}

		return withPayload(msg, payload, body), true
	}, nil
}

// jqInput converts the payload to the plain JSON types gojq accepts.
func jqInput(msg *stompnotify.Message) (any, error) {
	switch payload := msg.Payload.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return payload, nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var input any
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, err
		}
		return input, nil
	}
}
