package dispatch

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestDatabaseExistsHandler(t *testing.T) {
	env := newTestEnv(t, databaseModeProfile())
	env.expectConnect()
	env.mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	result, err := env.server.handleDatabaseExists(context.Background(), newRequest(map[string]interface{}{"databaseName": "Sales"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(result), `"exists": true`)
}

func TestDatabaseExistsRequiresName(t *testing.T) {
	env := newTestEnv(t, databaseModeProfile())

	result, err := env.server.handleDatabaseExists(context.Background(), newRequest(nil))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestListTablesDefaultsToDboSchema(t *testing.T) {
	env := newTestEnv(t, databaseModeProfile())
	env.expectConnect()
	env.mock.ExpectQuery("SELECT TABLE_SCHEMA").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}).
			AddRow("dbo", "Customers", "BASE TABLE"))

	result, err := env.server.handleListTables(context.Background(), "", map[string]interface{}{})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(result), "Customers")
}

func TestGetStoredProcedureParametersTableFormat(t *testing.T) {
	env := newTestEnv(t, databaseModeProfile())
	env.expectConnect()
	env.mock.ExpectQuery("SELECT\\s+p.parameter_id").WillReturnRows(
		sqlmock.NewRows([]string{"parameter_id", "name", "sql_type", "max_length", "precision", "scale", "is_output", "has_default_value", "default_value", "is_nullable"}).
			AddRow(1, "@CustomerId", "int", 4, 10, 0, false, false, nil, 0))

	result, err := env.server.handleGetStoredProcedureParameters(context.Background(), "", map[string]interface{}{"procedureName": "GetCustomer"})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(result), "@CustomerId")
}

func TestGetStoredProcedureParametersJSONFormat(t *testing.T) {
	env := newTestEnv(t, databaseModeProfile())
	env.expectConnect()
	env.mock.ExpectQuery("SELECT\\s+p.parameter_id").WillReturnRows(
		sqlmock.NewRows([]string{"parameter_id", "name", "sql_type", "max_length", "precision", "scale", "is_output", "has_default_value", "default_value", "is_nullable"}).
			AddRow(1, "@CustomerId", "int", 4, 10, 0, false, false, nil, 0))

	result, err := env.server.handleGetStoredProcedureParameters(context.Background(), "", map[string]interface{}{
		"procedureName": "GetCustomer",
		"format":        "json",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(result), `"type": "integer"`)
}
