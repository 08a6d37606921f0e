package dispatch

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mantis/mssqlmcp/internal/config"
	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/params"
)

// registerSchemaTools registers the read-only catalog tools (spec
// §4.4): list_databases is server-scope only (it enumerates across
// databases, so a database-scoped connection has nothing to add); the
// rest register scope-less or *_in_database per s.register.
func (s *Server) registerSchemaTools() {
	s.addTool(mcp.Tool{
		Name:        "database_exists",
		Description: "Reports whether a database with the given name exists on the server.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"databaseName": map[string]interface{}{"type": "string", "description": "Database name to check."},
			},
			Required: []string{"databaseName"},
		},
	}, s.handleDatabaseExists)

	if s.profile.Mode == config.ModeServer {
		s.addTool(mcp.Tool{
			Name:        "list_databases",
			Description: "Lists every database visible to the connection.",
			InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}},
		}, s.handleListDatabases)
	}

	s.register(scopedTool{
		name:        "list_tables",
		description: "Lists tables and views in one schema (default dbo).",
		properties: map[string]interface{}{
			"schema": map[string]interface{}{"type": "string", "description": "Schema name; defaults to dbo."},
		},
		handler: s.handleListTables,
	})

	s.register(scopedTool{
		name:        "get_table_schema",
		description: "Returns columns, primary key, and foreign keys for one table.",
		properties: map[string]interface{}{
			"schema": map[string]interface{}{"type": "string", "description": "Schema name; defaults to dbo."},
			"table":  map[string]interface{}{"type": "string", "description": "Table name."},
		},
		required: []string{"table"},
		handler:  s.handleGetTableSchema,
	})

	s.register(scopedTool{
		name:        "list_stored_procedures",
		description: "Lists stored procedures in one schema (default dbo).",
		properties: map[string]interface{}{
			"schema": map[string]interface{}{"type": "string", "description": "Schema name; defaults to dbo."},
		},
		handler: s.handleListStoredProcedures,
	})

	s.register(scopedTool{
		name:        "get_stored_procedure_definition",
		description: "Returns the CREATE PROCEDURE text for one stored procedure.",
		properties: map[string]interface{}{
			"schema":        map[string]interface{}{"type": "string", "description": "Schema name; defaults to dbo."},
			"procedureName": map[string]interface{}{"type": "string", "description": "Procedure name."},
		},
		required: []string{"procedureName"},
		handler:  s.handleGetStoredProcedureDefinition,
	})

	s.register(scopedTool{
		name:        "get_table_row_count",
		description: "Returns a table's row count: an exact COUNT(*) when the server's capabilities support it cheaply, otherwise a size estimate from catalog statistics.",
		properties: map[string]interface{}{
			"schema": map[string]interface{}{"type": "string", "description": "Schema name; defaults to dbo."},
			"table":  map[string]interface{}{"type": "string", "description": "Table name."},
		},
		required: []string{"table"},
		handler:  s.handleGetTableRowCount,
	})

	s.register(scopedTool{
		name:        "get_stored_procedure_parameters",
		description: "Describes a stored procedure's parameters as a Markdown table or a JSON-Schema input shape.",
		properties: map[string]interface{}{
			"procedureName": map[string]interface{}{"type": "string", "description": "Procedure name, optionally schema-qualified."},
			"format": map[string]interface{}{
				"type":        "string",
				"description": "Response shape: \"table\" (default) or \"json\".",
				"enum":        []string{"table", "json"},
			},
		},
		required: []string{"procedureName"},
		handler:  s.handleGetStoredProcedureParameters,
	})
}

func (s *Server) handleDatabaseExists(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requiredStringArg(request.GetArguments(), "databaseName")
	if err != nil {
		return errorResult(err), nil
	}
	exists, err := s.core.DatabaseExists(ctx, name)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{"databaseName": name, "exists": exists})
}

func (s *Server) handleListDatabases(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.core.ListDatabases(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{"databases": names})
}

func (s *Server) handleListTables(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	tables, err := s.core.ListTables(ctx, databaseName, stringArg(args, "schema"))
	if err != nil {
		return errorResult(err), nil
	}
	out := make([]map[string]interface{}, len(tables))
	for i, t := range tables {
		out[i] = map[string]interface{}{"schema": t.Schema, "name": t.Name, "type": t.Type}
	}
	return jsonResult(map[string]interface{}{"tables": out})
}

func (s *Server) handleGetTableSchema(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	table, err := requiredStringArg(args, "table")
	if err != nil {
		return errorResult(err), nil
	}
	schema, err := s.core.GetTableSchema(ctx, databaseName, stringArg(args, "schema"), table)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(tableSchemaToMap(schema))
}

func tableSchemaToMap(schema *exec.TableSchema) map[string]interface{} {
	columns := make([]map[string]interface{}, len(schema.Columns))
	for i, c := range schema.Columns {
		columns[i] = map[string]interface{}{
			"name":       c.Name,
			"position":   c.Position,
			"dataType":   c.DataType,
			"isNullable": c.IsNullable,
			"isIdentity": c.IsIdentity,
			"isComputed": c.IsComputed,
		}
		if c.MaxLength != nil {
			columns[i]["maxLength"] = *c.MaxLength
		}
		if c.NumericPrecision != nil {
			columns[i]["numericPrecision"] = *c.NumericPrecision
		}
		if c.NumericScale != nil {
			columns[i]["numericScale"] = *c.NumericScale
		}
		if c.DefaultValue != nil {
			columns[i]["defaultValue"] = *c.DefaultValue
		}
	}

	fks := make([]map[string]interface{}, len(schema.ForeignKeys))
	for i, fk := range schema.ForeignKeys {
		fks[i] = map[string]interface{}{
			"name":              fk.Name,
			"columns":           fk.Columns,
			"referencedSchema":  fk.ReferencedSchema,
			"referencedTable":   fk.ReferencedTable,
			"referencedColumns": fk.ReferencedColumns,
			"onDelete":          fk.OnDelete,
			"onUpdate":          fk.OnUpdate,
		}
	}

	return map[string]interface{}{
		"schema":      schema.Schema,
		"name":        schema.Name,
		"type":        schema.Type,
		"columns":     columns,
		"primaryKey":  schema.PrimaryKey,
		"foreignKeys": fks,
	}
}

func (s *Server) handleGetTableRowCount(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	table, err := requiredStringArg(args, "table")
	if err != nil {
		return errorResult(err), nil
	}
	count, estimated, err := s.core.GetTableRowCount(ctx, databaseName, stringArg(args, "schema"), table)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"table":     table,
		"rowCount":  count,
		"estimated": estimated,
	})
}

func (s *Server) handleListStoredProcedures(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	procs, err := s.core.ListStoredProcedures(ctx, databaseName, stringArg(args, "schema"))
	if err != nil {
		return errorResult(err), nil
	}
	out := make([]map[string]interface{}, len(procs))
	for i, p := range procs {
		out[i] = map[string]interface{}{"schema": p.Schema, "name": p.Name}
	}
	return jsonResult(map[string]interface{}{"procedures": out})
}

func (s *Server) handleGetStoredProcedureDefinition(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requiredStringArg(args, "procedureName")
	if err != nil {
		return errorResult(err), nil
	}
	definition, err := s.core.GetStoredProcedureDefinition(ctx, databaseName, stringArg(args, "schema"), name)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(definition), nil
}

func (s *Server) handleGetStoredProcedureParameters(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requiredStringArg(args, "procedureName")
	if err != nil {
		return errorResult(err), nil
	}

	db, err := s.core.Connect(ctx, databaseName)
	if err != nil {
		return errorResult(err), nil
	}
	defer db.Close()

	descriptors, err := params.Describe(ctx, db, name)
	if err != nil {
		return errorResult(err), nil
	}

	if stringArg(args, "format") == "json" {
		return jsonResult(params.JSONSchema(name, "", descriptors))
	}
	return mcp.NewToolResultText(params.TableRows(descriptors)), nil
}
