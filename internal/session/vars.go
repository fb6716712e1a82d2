// Package session tracks the client's observable session state: system
// variables captured from session trackers and the transaction
// characteristics needed to rebuild an open transaction on a backend.
package session

import (
	"sort"
	"strconv"
	"strings"
)

// Variable names with special handling.
const (
	// VarStatementID is reported by the server but read-only; it must
	// never be emitted in a SET statement.
	VarStatementID = "statement_id"

	VarTrackSystemVariables = "session_track_system_variables"
	VarTrackGtids           = "session_track_gtids"
	VarTrackTransactionInfo = "session_track_transaction_info"
	VarTrackStateChange     = "session_track_state_change"
)

// FetchedVariables are the system variables fetched from the backend when
// they are not yet known, in the order they are tried.
var FetchedVariables = []string{
	"collation_connection",
	"character_set_client",
	"sql_mode",
}

// Value is a session-variable value: either SQL NULL or a textual value.
type Value struct {
	Valid bool
	S     string
}

// StringValue builds a non-NULL Value.
func StringValue(s string) Value {
	return Value{Valid: true, S: s}
}

// NullValue builds a NULL Value.
func NullValue() Value {
	return Value{}
}

// SQLString serializes the value the way the server expects it on the
// right-hand side of a SET: NULL, a bare numeric literal, or a
// single-quoted string.
func (v Value) SQLString() string {
	if !v.Valid {
		return "NULL"
	}
	if _, err := strconv.ParseInt(v.S, 10, 64); err == nil {
		return v.S
	}
	if _, err := strconv.ParseFloat(v.S, 64); err == nil {
		return v.S
	}
	return "'" + strings.ReplaceAll(v.S, "'", "''") + "'"
}

// Store holds the known session variables of a client session. Iteration
// is in sorted name order so emitted SQL and trace attributes are
// deterministic.
type Store struct {
	vars map[string]Value
}

// NewStore creates an empty variable store.
func NewStore() *Store {
	return &Store{vars: make(map[string]Value)}
}

// Set stores a variable.
func (s *Store) Set(name string, v Value) {
	s.vars[name] = v
}

// Get returns the stored value, or a NULL Value when absent.
func (s *Store) Get(name string) Value {
	return s.vars[name]
}

// Find reports whether a variable is present in the store.
func (s *Store) Find(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Len returns the number of stored variables.
func (s *Store) Len() int {
	return len(s.vars)
}

// Names returns all variable names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
