package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLoggerRejectsIncompleteEntries(t *testing.T) {
	var missing *AuditLogger
	require.Error(t, missing.Record(context.Background(), AuditLog{
		Action: "role.create", Entity: "role", EntityID: "1",
	}))

	logger := NewAuditLogger(nil)
	err := logger.Record(context.Background(), AuditLog{Action: "role.create"})
	require.Error(t, err, "entity and entity_id are mandatory")
}
