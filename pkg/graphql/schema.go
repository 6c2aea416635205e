package graphql

import (
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// schemaSDL is the subscription schema. Queries and mutations are served by
// the HTTP API; this endpoint carries live streams only, so Query is a stub
// the SDL needs to be valid.
const schemaSDL = `
type Query {
  serverVersion: String!
}

type Subscription {
  "Every message published to the messages topic."
  messageSent: MessageEvent!

  "Messages addressed to a specific user. Subscriber must be that user."
  messageToUser(userId: ID!): MessageEvent!

  "Messages published to a specific channel."
  messageToChannel(channelId: ID!): MessageEvent!

  "User lifecycle events (created, updated, deleted)."
  userEvents: UserEvent!
}

type MessageEvent {
  id: ID
  senderId: ID
  channelId: ID
  recipientId: ID
  content: String
  sentAt: String
}

type UserEvent {
  eventType: String!
  userId: ID
  user: User
}

type User {
  id: ID!
  username: String
  email: String
  displayName: String
}
`

// loadSchema parses and validates the embedded SDL.
func loadSchema() (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "relayd.graphql", Input: schemaSDL})
	if err != nil {
		return nil, fmt.Errorf("load subscription schema: %w", err)
	}
	return schema, nil
}

// operation is a resolved subscription request: the root field plus its
// coerced arguments.
type operation struct {
	Field string
	Args  map[string]any
}

// parseSubscription validates a client operation against the schema and
// extracts its single root subscription field.
func parseSubscription(schema *ast.Schema, query, operationName string, variables map[string]any) (operation, error) {
	doc, errs := gqlparser.LoadQuery(schema, query)
	if len(errs) > 0 {
		return operation{}, fmt.Errorf("invalid operation: %w", errs)
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		return operation{}, fmt.Errorf("operation %q not found", operationName)
	}
	if op.Operation != ast.Subscription {
		return operation{}, ErrNotSubscription
	}

	fields := op.SelectionSet
	if len(fields) != 1 {
		return operation{}, fmt.Errorf("subscriptions must select exactly one root field, got %d", len(fields))
	}
	field, ok := fields[0].(*ast.Field)
	if !ok {
		return operation{}, fmt.Errorf("subscription root selection must be a field")
	}

	return operation{
		Field: field.Name,
		Args:  field.ArgumentMap(variables),
	}, nil
}
