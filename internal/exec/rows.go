package exec

import (
	"database/sql"
)

// Column describes one result-set column (spec §4.4: "carries column
// names and types").
type Column struct {
	Name     string
	DataType string
}

// RowStream is a lazy, forward-only, single-pass sequence of typed
// rows produced by a query or stored-procedure call (spec §4.4). It
// is not restartable: once Next returns false or Close is called, the
// stream is done.
type RowStream struct {
	rows    *sql.Rows
	columns []Column
	owner   *sql.DB
}

// withOwner attaches the connection that produced this stream, so
// Close releases both the rows and the connection that owns them —
// the counterpart of Core.connect's scoped-acquisition discipline for
// results that outlive the call that created them.
func (s *RowStream) withOwner(db *sql.DB) *RowStream {
	s.owner = db
	return s
}

func newRowStream(rows *sql.Rows) (*RowStream, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}
	columns := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = Column{Name: ct.Name(), DataType: ct.DatabaseTypeName()}
	}
	return &RowStream{rows: rows, columns: columns}, nil
}

// Columns returns the result set's column metadata.
func (s *RowStream) Columns() []Column {
	return s.columns
}

// Next advances to the next row, returning false at end of stream or
// on error (check Err after Next returns false).
func (s *RowStream) Next() bool {
	return s.rows.Next()
}

// NextResultSet advances to the next result set, if the statement
// produced more than one (spec §4.4: "multiple result sets must be
// advanced explicitly").
func (s *RowStream) NextResultSet() bool {
	ok := s.rows.NextResultSet()
	if !ok {
		return false
	}
	colTypes, err := s.rows.ColumnTypes()
	if err != nil {
		return false
	}
	columns := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = Column{Name: ct.Name(), DataType: ct.DatabaseTypeName()}
	}
	s.columns = columns
	return true
}

// Scan reads the current row into a slice of driver-converted values,
// one per column, in column order.
func (s *RowStream) Scan() ([]interface{}, error) {
	values := make([]interface{}, len(s.columns))
	ptrs := make([]interface{}, len(s.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		values[i] = convertValue(v)
	}
	return values, nil
}

// Err returns any error encountered during iteration.
func (s *RowStream) Err() error {
	return s.rows.Err()
}

// Close releases the underlying *sql.Rows and, if set, the connection
// that owns them. Safe to call multiple times.
func (s *RowStream) Close() error {
	err := s.rows.Close()
	if s.owner != nil {
		if cerr := s.owner.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// convertValue normalizes driver-specific scan results ([]byte in
// particular) into JSON-friendly Go types.
func convertValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
