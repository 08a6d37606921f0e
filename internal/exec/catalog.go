package exec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TableInfo identifies one table or view (spec §4.4: list_tables).
type TableInfo struct {
	Schema string
	Name   string
	Type   string // "TABLE" or "VIEW"
}

// ColumnInfo describes one table column (spec §4.4: get_table_schema).
type ColumnInfo struct {
	Name             string
	Position         int
	DataType         string
	IsNullable       bool
	MaxLength        *int
	NumericPrecision *int
	NumericScale     *int
	DefaultValue     *string
	IsIdentity       bool
	IsComputed       bool
}

// ForeignKeyInfo describes one outgoing foreign key.
type ForeignKeyInfo struct {
	Name              string
	Columns           []string
	ReferencedSchema  string
	ReferencedTable   string
	ReferencedColumns []string
	OnDelete          string
	OnUpdate          string
}

// TableSchema is the full metadata shape returned by GetTableSchema.
type TableSchema struct {
	Schema      string
	Name        string
	Type        string
	Columns     []ColumnInfo
	PrimaryKey  []string
	ForeignKeys []ForeignKeyInfo
}

// ProcedureInfo identifies one stored procedure (spec §4.4: list_stored_procedures).
type ProcedureInfo struct {
	Schema string
	Name   string
}

// ListDatabases returns every database visible to the connection,
// grounded on the capability probe's SERVERPROPERTY/sys.databases
// style of metadata-only query (spec §4.1).
func (c *Core) ListDatabases(ctx context.Context) ([]string, error) {
	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT name FROM sys.databases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan database name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListTables returns the tables and views in one schema, defaulting to
// dbo when schema is blank.
func (c *Core) ListTables(ctx context.Context, databaseName, schema string) ([]TableInfo, error) {
	if schema == "" {
		schema = "dbo"
	}
	if err := validateIdentifier(schema); err != nil {
		return nil, err
	}

	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @schema
		ORDER BY TABLE_NAME`, sql.Named("schema", schema))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var tSchema, tName, tType string
		if err := rows.Scan(&tSchema, &tName, &tType); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		normalized := "TABLE"
		if tType == "VIEW" {
			normalized = "VIEW"
		}
		tables = append(tables, TableInfo{Schema: tSchema, Name: tName, Type: normalized})
	}
	return tables, rows.Err()
}

// GetTableSchema returns columns, primary key, and foreign keys for
// one table (spec §4.4: get_table_schema).
func (c *Core) GetTableSchema(ctx context.Context, databaseName, schema, table string) (*TableSchema, error) {
	if schema == "" {
		schema = "dbo"
	}
	if err := validateSchemaTable(schema, table); err != nil {
		return nil, err
	}

	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		return nil, err
	}

	var tSchema, tName, tType string
	err = db.QueryRowContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @table`,
		sql.Named("schema", schema), sql.Named("table", table)).
		Scan(&tSchema, &tName, &tType)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("table not found: %s.%s", schema, table)
	}
	if err != nil {
		return nil, fmt.Errorf("get table info: %w", err)
	}

	columns, err := c.getColumns(ctx, db, schema, table)
	if err != nil {
		return nil, err
	}
	pk, err := c.getPrimaryKey(ctx, db, schema, table)
	if err != nil {
		return nil, err
	}
	fks, err := c.getForeignKeys(ctx, db, schema, table)
	if err != nil {
		return nil, err
	}

	normalized := "TABLE"
	if tType == "VIEW" {
		normalized = "VIEW"
	}
	return &TableSchema{
		Schema:      tSchema,
		Name:        tName,
		Type:        normalized,
		Columns:     columns,
		PrimaryKey:  pk,
		ForeignKeys: fks,
	}, nil
}

func (c *Core) getColumns(ctx context.Context, db *sql.DB, schema, table string) ([]ColumnInfo, error) {
	// COLUMNPROPERTY takes OBJECT_ID('schema.table') as a literal; the
	// schema/table pair is validated by the caller against
	// identifierPattern before reaching here, so this concatenation
	// cannot smuggle in a second statement.
	objectID := fmt.Sprintf("[%s].[%s]", schema, table)
	query := fmt.Sprintf(`
		SELECT
			c.COLUMN_NAME,
			c.ORDINAL_POSITION,
			c.DATA_TYPE,
			CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END AS is_nullable,
			c.CHARACTER_MAXIMUM_LENGTH,
			c.NUMERIC_PRECISION,
			c.NUMERIC_SCALE,
			c.COLUMN_DEFAULT,
			COLUMNPROPERTY(OBJECT_ID('%s'), c.COLUMN_NAME, 'IsIdentity') AS is_identity,
			COLUMNPROPERTY(OBJECT_ID('%s'), c.COLUMN_NAME, 'IsComputed') AS is_computed
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = @schema AND c.TABLE_NAME = @table
		ORDER BY c.ORDINAL_POSITION`, objectID, objectID)

	rows, err := db.QueryContext(ctx, query, sql.Named("schema", schema), sql.Named("table", table))
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		var baseDataType string
		var isNullableInt int
		var maxLength, precision, scale sql.NullInt64
		var defaultValue sql.NullString
		var isIdentity, isComputed sql.NullInt64

		if err := rows.Scan(
			&col.Name, &col.Position, &baseDataType, &isNullableInt,
			&maxLength, &precision, &scale, &defaultValue, &isIdentity, &isComputed,
		); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}

		col.IsNullable = isNullableInt == 1
		col.DataType = formatDataType(baseDataType, maxLength, precision, scale)
		if maxLength.Valid && maxLength.Int64 != 0 {
			ml := int(maxLength.Int64)
			col.MaxLength = &ml
		}
		if precision.Valid {
			p := int(precision.Int64)
			col.NumericPrecision = &p
		}
		if scale.Valid {
			s := int(scale.Int64)
			col.NumericScale = &s
		}
		if defaultValue.Valid {
			col.DefaultValue = &defaultValue.String
		}
		col.IsIdentity = isIdentity.Valid && isIdentity.Int64 == 1
		col.IsComputed = isComputed.Valid && isComputed.Int64 == 1

		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (c *Core) getPrimaryKey(ctx context.Context, db *sql.DB, schema, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kc.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kc
			ON tc.CONSTRAINT_NAME = kc.CONSTRAINT_NAME
			AND tc.TABLE_SCHEMA = kc.TABLE_SCHEMA
		WHERE tc.TABLE_SCHEMA = @schema AND tc.TABLE_NAME = @table
			AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		ORDER BY kc.ORDINAL_POSITION`, sql.Named("schema", schema), sql.Named("table", table))
	if err != nil {
		return nil, fmt.Errorf("get primary key: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var colName string
		if err := rows.Scan(&colName); err != nil {
			return nil, fmt.Errorf("scan primary key column: %w", err)
		}
		columns = append(columns, colName)
	}
	return columns, rows.Err()
}

func (c *Core) getForeignKeys(ctx context.Context, db *sql.DB, schema, table string) ([]ForeignKeyInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
			fk.name AS constraint_name,
			COL_NAME(fkc.parent_object_id, fkc.parent_column_id) AS column_name,
			SCHEMA_NAME(ref_t.schema_id) AS referenced_schema,
			ref_t.name AS referenced_table,
			COL_NAME(fkc.referenced_object_id, fkc.referenced_column_id) AS referenced_column,
			fk.delete_referential_action_desc AS on_delete,
			fk.update_referential_action_desc AS on_update
		FROM sys.foreign_keys fk
		JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
		JOIN sys.tables t ON fk.parent_object_id = t.object_id
		JOIN sys.tables ref_t ON fk.referenced_object_id = ref_t.object_id
		WHERE SCHEMA_NAME(t.schema_id) = @schema AND t.name = @table
		ORDER BY fk.name, fkc.constraint_column_id`, sql.Named("schema", schema), sql.Named("table", table))
	if err != nil {
		return nil, fmt.Errorf("get foreign keys: %w", err)
	}
	defer rows.Close()

	fkMap := make(map[string]*ForeignKeyInfo)
	var order []string
	for rows.Next() {
		var name, colName, refSchema, refTable, refCol, onDelete, onUpdate string
		if err := rows.Scan(&name, &colName, &refSchema, &refTable, &refCol, &onDelete, &onUpdate); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fk, ok := fkMap[name]
		if !ok {
			fk = &ForeignKeyInfo{
				Name:             name,
				ReferencedSchema: refSchema,
				ReferencedTable:  refTable,
				OnDelete:         normalizeRefAction(onDelete),
				OnUpdate:         normalizeRefAction(onUpdate),
			}
			fkMap[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, colName)
		fk.ReferencedColumns = append(fk.ReferencedColumns, refCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]ForeignKeyInfo, 0, len(order))
	for _, name := range order {
		fks = append(fks, *fkMap[name])
	}
	return fks, nil
}

// ListStoredProcedures returns every stored procedure in one schema.
func (c *Core) ListStoredProcedures(ctx context.Context, databaseName, schema string) ([]ProcedureInfo, error) {
	if schema == "" {
		schema = "dbo"
	}
	if err := validateIdentifier(schema); err != nil {
		return nil, err
	}

	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT s.name, p.name
		FROM sys.procedures p
		JOIN sys.schemas s ON p.schema_id = s.schema_id
		WHERE s.name = @schema
		ORDER BY p.name`, sql.Named("schema", schema))
	if err != nil {
		return nil, fmt.Errorf("list stored procedures: %w", err)
	}
	defer rows.Close()

	var procs []ProcedureInfo
	for rows.Next() {
		var s, n string
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		procs = append(procs, ProcedureInfo{Schema: s, Name: n})
	}
	return procs, rows.Err()
}

// GetStoredProcedureDefinition returns the CREATE PROCEDURE text for
// one procedure, via OBJECT_DEFINITION.
func (c *Core) GetStoredProcedureDefinition(ctx context.Context, databaseName, schema, name string) (string, error) {
	if schema == "" {
		schema = "dbo"
	}
	if err := validateSchemaTable(schema, name); err != nil {
		return "", err
	}

	db, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer db.Close()
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		return "", err
	}

	qualified := fmt.Sprintf("[%s].[%s]", schema, name)
	var definition sql.NullString
	err = db.QueryRowContext(ctx, `SELECT OBJECT_DEFINITION(OBJECT_ID(@qualified))`, sql.Named("qualified", qualified)).Scan(&definition)
	if err != nil {
		return "", fmt.Errorf("get procedure definition: %w", err)
	}
	if !definition.Valid {
		return "", fmt.Errorf("procedure not found or definition not visible: %s.%s", schema, name)
	}
	return definition.String, nil
}

// GetTableRowCount reports one table's row count (spec §4.4's
// capability-guided-queries contract): when the Capability Detector
// reports SupportsExactRowCount, an exact COUNT(*) is run; otherwise a
// size estimate is read from sys.partitions, which reflects SQL
// Server's own internal row counters rather than scanning the table.
// No detector wired (detector is nil, or the probe itself fails) also
// falls back to the exact path, since an exact count is the safer
// default for a reporting tool.
func (c *Core) GetTableRowCount(ctx context.Context, databaseName, schema, table string) (count int64, estimated bool, err error) {
	if schema == "" {
		schema = "dbo"
	}
	if err := validateSchemaTable(schema, table); err != nil {
		return 0, false, err
	}

	db, err := c.connect(ctx)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		return 0, false, err
	}

	exact := true
	if c.detector != nil {
		if detected, capErr := c.detector.Detect(ctx, c.connStr); capErr == nil {
			exact = detected.Features.SupportsExactRowCount
		}
	}

	if exact {
		qualified := fmt.Sprintf("[%s].[%s]", schema, table)
		var n int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, qualified)).Scan(&n); err != nil {
			return 0, false, fmt.Errorf("count table rows: %w", err)
		}
		return n, false, nil
	}

	var n sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT SUM(p.rows)
		FROM sys.partitions p
		JOIN sys.tables t ON t.object_id = p.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @schema AND t.name = @table AND p.index_id IN (0, 1)`,
		sql.Named("schema", schema), sql.Named("table", table)).Scan(&n)
	if err != nil {
		return 0, true, fmt.Errorf("estimate table rows: %w", err)
	}
	return n.Int64, true, nil
}

// formatDataType renders the full SQL Server type string, e.g.
// "nvarchar(260)" or "decimal(10,2)".
func formatDataType(baseType string, maxLength, precision, scale sql.NullInt64) string {
	baseType = strings.ToLower(baseType)
	switch baseType {
	case "char", "varchar", "nchar", "nvarchar", "binary", "varbinary":
		if maxLength.Valid {
			if maxLength.Int64 == -1 {
				return fmt.Sprintf("%s(max)", baseType)
			}
			return fmt.Sprintf("%s(%d)", baseType, maxLength.Int64)
		}
		return baseType
	case "decimal", "numeric":
		if precision.Valid && scale.Valid {
			return fmt.Sprintf("%s(%d,%d)", baseType, precision.Int64, scale.Int64)
		} else if precision.Valid {
			return fmt.Sprintf("%s(%d)", baseType, precision.Int64)
		}
		return baseType
	default:
		return baseType
	}
}

func normalizeRefAction(action string) string {
	switch action {
	case "CASCADE":
		return "CASCADE"
	case "SET_NULL":
		return "SET NULL"
	case "SET_DEFAULT":
		return "SET DEFAULT"
	case "NO_ACTION":
		return "NO ACTION"
	default:
		return action
	}
}
