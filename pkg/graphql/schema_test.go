package graphql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
)

func mustSchema(t *testing.T) *ast.Schema {
	t.Helper()
	schema, err := loadSchema()
	require.NoError(t, err)
	return schema
}

func TestLoadSchema(t *testing.T) {
	schema := mustSchema(t)
	require.NotNil(t, schema.Subscription)

	var names []string
	for _, f := range schema.Subscription.Fields {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"messageSent", "messageToUser", "messageToChannel", "userEvents"}, names)
}

func TestParseSubscriptionSimpleField(t *testing.T) {
	schema := mustSchema(t)

	op, err := parseSubscription(schema, `subscription { messageSent { id content } }`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "messageSent", op.Field)
	assert.Empty(t, op.Args)
}

func TestParseSubscriptionInlineArgument(t *testing.T) {
	schema := mustSchema(t)

	op, err := parseSubscription(schema, `subscription { messageToChannel(channelId: "general") { content } }`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "messageToChannel", op.Field)
	assert.Equal(t, "general", op.Args["channelId"])
}

func TestParseSubscriptionVariables(t *testing.T) {
	schema := mustSchema(t)

	query := `subscription Inbox($uid: ID!) { messageToUser(userId: $uid) { id content sentAt } }`
	op, err := parseSubscription(schema, query, "Inbox", map[string]any{"uid": "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "messageToUser", op.Field)
	assert.Equal(t, "user-1", op.Args["userId"])
}

func TestParseSubscriptionRejectsQueries(t *testing.T) {
	schema := mustSchema(t)

	_, err := parseSubscription(schema, `query { serverVersion }`, "", nil)
	assert.ErrorIs(t, err, ErrNotSubscription)
}

func TestParseSubscriptionRejectsUnknownField(t *testing.T) {
	schema := mustSchema(t)

	_, err := parseSubscription(schema, `subscription { somethingElse }`, "", nil)
	assert.Error(t, err)
}

func TestParseSubscriptionRejectsMultipleRootFields(t *testing.T) {
	schema := mustSchema(t)

	// The validator rejects this before our own root-field count check.
	query := `subscription { messageSent { id } userEvents { eventType } }`
	_, err := parseSubscription(schema, query, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must select only one top level field")
}

func TestParseSubscriptionRejectsInvalidSyntax(t *testing.T) {
	schema := mustSchema(t)

	_, err := parseSubscription(schema, `subscription { messageSent {`, "", nil)
	assert.Error(t, err)
}

func TestParseSubscriptionUnknownOperationName(t *testing.T) {
	schema := mustSchema(t)

	_, err := parseSubscription(schema, `subscription A { messageSent { id } }`, "B", nil)
	assert.Error(t, err)
}
