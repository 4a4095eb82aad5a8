package shared

import (
	"fmt"
)

// StatementError is a driver-reported statement failure. Code carries the
// dialect's native error code (SQLSTATE, SQLite extended code, MySQL or
// SQL Server error number) formatted as text.
type StatementError struct {
	Dialect string
	Code    string
	Message string
	Err     error
}

func (e *StatementError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Dialect, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Dialect, e.Code, e.Message)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStatement) hold for every StatementError.
func (e *StatementError) Is(target error) bool {
	return target == ErrStatement
}

// DataSourceError tags a failure with the logical data source and operation
// that produced it.
type DataSourceError struct {
	Name string
	Op   string
	Err  error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("datasource %q: %s: %s: %v", e.Name, e.Op, KindOf(e.Err), e.Err)
}

func (e *DataSourceError) Unwrap() error {
	return e.Err
}

// Kind returns the classification of the wrapped failure.
func (e *DataSourceError) Kind() Kind {
	return KindOf(e.Err)
}

// WrapDataSource tags err with the data source name and operation.
// Returns nil for nil errors and leaves already tagged errors for the same name untouched.
func WrapDataSource(name, op string, err error) error {
	if err == nil {
		return nil
	}
	if dsErr, ok := err.(*DataSourceError); ok && dsErr.Name == name {
		return err
	}
	return &DataSourceError{Name: name, Op: op, Err: err}
}
