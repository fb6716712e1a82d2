package session

import "strings"

// appendAssignment adds one @@SESSION assignment to the statement being
// built, starting it with "SET " on the first call.
func appendAssignment(b *strings.Builder, name string, v Value) {
	if b.Len() == 0 {
		b.WriteString("SET ")
	} else {
		b.WriteString(",\n    ")
	}
	b.WriteString("@@SESSION.")
	b.WriteString(name)
	b.WriteString(" = ")
	b.WriteString(v.SQLString())
}

// appendDefaultIfUnset adds an assignment with the given default when the
// store has no value for the variable.
func appendDefaultIfUnset(b *strings.Builder, s *Store, name string, def Value) {
	if !s.Get(name).Valid {
		appendAssignment(b, name, def)
	}
}

// BuildSetStatement assembles the single SET statement that makes a
// backend's session variables match the client's.
//
// When trackers are needed, session_track_system_variables is forced and
// emitted first so the trackers observe every later assignment. A
// client-set value for it is re-emitted first even when trackers are not
// needed, mirroring the client's intent on the new backend.
//
// Returns "" when there is nothing to set.
func BuildSetStatement(s *Store, needSessionTrackers bool) string {
	var b strings.Builder

	if needSessionTrackers {
		v := s.Get(VarTrackSystemVariables)
		if !v.Valid {
			v = StringValue("*")
		}
		appendAssignment(&b, VarTrackSystemVariables, v)
	} else if v := s.Get(VarTrackSystemVariables); v.Valid {
		appendAssignment(&b, VarTrackSystemVariables, v)
	}

	for _, name := range s.Names() {
		if name == VarTrackSystemVariables {
			continue // already emitted
		}
		if name == VarStatementID {
			continue // read-only
		}
		appendAssignment(&b, name, s.Get(name))
	}

	if needSessionTrackers {
		appendDefaultIfUnset(&b, s, VarTrackGtids, StringValue("OWN_GTID"))
		appendDefaultIfUnset(&b, s, VarTrackTransactionInfo, StringValue("CHARACTERISTICS"))
		appendDefaultIfUnset(&b, s, VarTrackStateChange, StringValue("ON"))
	}

	return b.String()
}

// SplitTrxStmt splits a transaction-characteristics script at its first
// semicolon. The head is the next statement to execute; rest keeps the
// remainder with a single leading space removed.
func SplitTrxStmt(script string) (head, rest string) {
	idx := strings.IndexByte(script, ';')
	if idx < 0 {
		return script, ""
	}
	head = script[:idx]
	rest = script[idx+1:]
	rest = strings.TrimPrefix(rest, " ")
	return head, rest
}
