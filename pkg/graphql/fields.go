package graphql

import (
	"fmt"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/alt"
	"github.com/ohler55/ojg/jp"

	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/event"
	"github.com/getrelayd/relayd/pkg/pubsub"
)

// decomposeOpts renders published Go values (domain events, client
// payloads) into generic JSON shapes the JSONPath expressions can walk.
var decomposeOpts = ojg.Options{UseTags: true, OmitNil: true}

// JSONPath expressions into the bridge's event envelope.
var (
	messagePath   = jp.MustParseString("$.message")
	eventTypePath = jp.MustParseString("$.eventType")
	userIDPath    = jp.MustParseString("$.userId")
	userPath      = jp.MustParseString("$.user")
)

// ExtractFunc turns a delivered broker message into a subscription payload.
type ExtractFunc func(msg pubsub.Message) (any, error)

// fieldSpec binds one subscription field to a broker topic and a payload
// extraction. topicFor also carries the field's authorisation rule; it runs
// before any broker subscribe.
type fieldSpec struct {
	topicFor func(args map[string]any, identity auth.Identity) (string, error)
	extract  ExtractFunc
}

// subscriptionFields is the closed field registry matching the schema's
// Subscription type.
func subscriptionFields() map[string]fieldSpec {
	return map[string]fieldSpec{
		"messageSent": {
			topicFor: func(map[string]any, auth.Identity) (string, error) {
				return event.TopicMessages, nil
			},
			extract: extractMessage,
		},
		"messageToUser": {
			topicFor: func(args map[string]any, identity auth.Identity) (string, error) {
				userID, _ := args["userId"].(string)
				if userID == "" {
					return "", fmt.Errorf("messageToUser requires a userId")
				}
				// A user may only watch their own inbox.
				if identity.UserID != userID {
					return "", ErrForbidden
				}
				return event.TopicMessages + ".user." + userID, nil
			},
			extract: extractMessage,
		},
		"messageToChannel": {
			topicFor: func(args map[string]any, identity auth.Identity) (string, error) {
				channelID, _ := args["channelId"].(string)
				if channelID == "" {
					return "", fmt.Errorf("messageToChannel requires a channelId")
				}
				return event.TopicMessages + ".channel." + channelID, nil
			},
			extract: extractMessage,
		},
		"userEvents": {
			topicFor: func(map[string]any, auth.Identity) (string, error) {
				return event.TopicUsers, nil
			},
			extract: extractUserEvent,
		},
	}
}

// extractMessage pulls the message record out of a bridged message.sent
// event. Payloads published directly to the messages topics (client
// publishes) pass through whole.
func extractMessage(msg pubsub.Message) (any, error) {
	doc := alt.Decompose(msg.Data, &decomposeOpts)
	if m := messagePath.First(doc); m != nil {
		return m, nil
	}
	return doc, nil
}

// extractUserEvent shapes a bridged user lifecycle event for the UserEvent
// type.
func extractUserEvent(msg pubsub.Message) (any, error) {
	doc := alt.Decompose(msg.Data, &decomposeOpts)

	eventType := eventTypePath.First(doc)
	if eventType == nil {
		// Not a bridged event; metadata still names the type for raw
		// publishes.
		eventType = msg.Metadata["eventType"]
	}

	out := map[string]any{"eventType": eventType}
	if userID := userIDPath.First(doc); userID != nil {
		out["userId"] = userID
	}
	if user := userPath.First(doc); user != nil {
		out["user"] = user
	}
	return out, nil
}
