package exec

import (
	"regexp"

	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// identifierPattern matches an unquoted SQL Server identifier: a
// letter or underscore followed by up to 127 alphanumerics/underscores.
// Catalog-query interpolation points (schema/table/column names used
// in bracket-quoted identifier position, never in a string literal)
// are validated against this before being written into a query string.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,127}$`)

// validateIdentifier rejects anything that is not a safe bracket-quoted
// SQL Server identifier, closing off the injection surface the
// teacher's mssql driver left open by interpolating raw schema/table
// names into bracket notation.
func validateIdentifier(name string) error {
	if name == "" {
		return sqlerr.Wrap(sqlerr.EmptyArgument, "identifier")
	}
	if !identifierPattern.MatchString(name) {
		return sqlerr.Wrap(sqlerr.EmptyArgument, "invalid identifier %q", name)
	}
	return nil
}

func validateSchemaTable(schema, table string) error {
	if err := validateIdentifier(schema); err != nil {
		return err
	}
	return validateIdentifier(table)
}
