package exec

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mantis/mssqlmcp/internal/capability"
)

// fakeCapabilityPool satisfies capability.Pool with one fixed sqlmock
// db, mirroring internal/dispatch's own test seam for the same
// interface.
type fakeCapabilityPool struct {
	db *sql.DB
}

func (p fakeCapabilityPool) GetConnection(_ context.Context, _, _ string) (*sql.DB, error) {
	return p.db, nil
}

func TestListDatabases(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery("SELECT name FROM sys.databases").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("master").AddRow("Sales"))

	names, err := core.ListDatabases(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"master", "Sales"}, names)
}

func TestGetTableRowCountExactWithNoDetector(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM \[dbo\]\.\[Customers\]`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, estimated, err := core.GetTableRowCount(context.Background(), "", "", "Customers")
	require.NoError(t, err)
	require.Equal(t, int64(42), count)
	require.False(t, estimated)
}

func TestGetTableRowCountEstimatesWhenCapabilityReportsNoExactCount(t *testing.T) {
	core, mock := newTestCore(t)

	capDB, capMock, err := sqlmock.New()
	require.NoError(t, err)
	capMock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"version", "edition", "engine_edition", "db_name"}).
			AddRow("12.0.2000.8", "Enterprise Edition", 6, "Warehouse"))
	core.SetCapabilityDetector(capability.NewDetector(fakeCapabilityPool{db: capDB}, zerolog.Nop()))

	mock.ExpectQuery("sys.partitions").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(10_000_000))

	count, estimated, err := core.GetTableRowCount(context.Background(), "", "dbo", "FactSales")
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), count)
	require.True(t, estimated)
}

func TestListTablesDefaultsToDboSchema(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}).
			AddRow("dbo", "Customers", "BASE TABLE").
			AddRow("dbo", "CustomerSummary", "VIEW"))

	tables, err := core.ListTables(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "TABLE", tables[0].Type)
	require.Equal(t, "VIEW", tables[1].Type)
}

func TestListTablesRejectsInvalidSchema(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.ListTables(context.Background(), "", "bad schema; DROP TABLE x")
	require.Error(t, err)
}

func TestGetTableSchemaAssemblesColumnsAndKeys(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}).
			AddRow("dbo", "Customers", "BASE TABLE"))
	mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
		WillReturnRows(sqlmock.NewRows([]string{
			"COLUMN_NAME", "ORDINAL_POSITION", "DATA_TYPE", "is_nullable",
			"CHARACTER_MAXIMUM_LENGTH", "NUMERIC_PRECISION", "NUMERIC_SCALE",
			"COLUMN_DEFAULT", "is_identity", "is_computed",
		}).AddRow("Id", 1, "int", 0, nil, 10, 0, nil, 1, 0).
			AddRow("Name", 2, "nvarchar", 1, 100, nil, nil, nil, 0, 0))
	mock.ExpectQuery("TABLE_CONSTRAINTS").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("Id"))
	mock.ExpectQuery("sys.foreign_keys").
		WillReturnRows(sqlmock.NewRows([]string{
			"constraint_name", "column_name", "referenced_schema", "referenced_table",
			"referenced_column", "on_delete", "on_update",
		}))

	schema, err := core.GetTableSchema(context.Background(), "", "dbo", "Customers")
	require.NoError(t, err)
	require.Equal(t, "Customers", schema.Name)
	require.Len(t, schema.Columns, 2)
	require.Equal(t, "int", schema.Columns[0].DataType)
	require.Equal(t, "nvarchar(100)", schema.Columns[1].DataType)
	require.True(t, schema.Columns[0].IsIdentity)
	require.Equal(t, []string{"Id"}, schema.PrimaryKey)
	require.Empty(t, schema.ForeignKeys)
}

func TestListStoredProcedures(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery("sys.procedures").
		WillReturnRows(sqlmock.NewRows([]string{"schema", "name"}).
			AddRow("dbo", "GetCustomer").
			AddRow("dbo", "UpdateCustomer"))

	procs, err := core.ListStoredProcedures(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, procs, 2)
	require.Equal(t, "GetCustomer", procs[0].Name)
}

func TestGetStoredProcedureDefinition(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery("OBJECT_DEFINITION").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow("CREATE PROCEDURE dbo.GetCustomer AS SELECT 1"))

	def, err := core.GetStoredProcedureDefinition(context.Background(), "", "dbo", "GetCustomer")
	require.NoError(t, err)
	require.Contains(t, def, "CREATE PROCEDURE")
}

func TestGetStoredProcedureDefinitionNotFound(t *testing.T) {
	core, mock := newTestCore(t)
	mock.ExpectQuery("OBJECT_DEFINITION").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow(nil))

	_, err := core.GetStoredProcedureDefinition(context.Background(), "", "dbo", "Missing")
	require.Error(t, err)
}

func TestFormatDataType(t *testing.T) {
	valid := func(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: true} }
	var invalid sql.NullInt64

	require.Equal(t, "nvarchar(max)", formatDataType("nvarchar", valid(-1), invalid, invalid))
	require.Equal(t, "decimal(10,2)", formatDataType("decimal", invalid, valid(10), valid(2)))
	require.Equal(t, "int", formatDataType("int", invalid, invalid, invalid))
}
