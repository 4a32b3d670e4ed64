// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

// CloneSession returns a deep copy of s. Backends hand out clones so callers
// never alias stored state.
func CloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Task = cloneTask(s.Task)
	out.Report = CloneReport(s.Report)
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return &out
}

// CloneMessage returns a deep copy of m.
func CloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Invocation != nil {
		inv := cloneInvocation(*m.Invocation)
		out.Invocation = &inv
	}
	out.Report = CloneReport(m.Report)
	return &out
}

// CloneReport returns a deep copy of r.
func CloneReport(r *DiagnosticReport) *DiagnosticReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Evidence = append([]string(nil), r.Evidence...)
	out.Suggestions = append([]string(nil), r.Suggestions...)
	if r.Invocations != nil {
		out.Invocations = make([]ActionInvocation, len(r.Invocations))
		for i, inv := range r.Invocations {
			out.Invocations[i] = cloneInvocation(inv)
		}
	}
	return &out
}

func cloneTask(t DiagnosticTask) DiagnosticTask {
	if t.Port != nil {
		p := *t.Port
		t.Port = &p
	}
	t.Context = CloneArgs(t.Context)
	return t
}

func cloneInvocation(inv ActionInvocation) ActionInvocation {
	inv.Args = CloneArgs(inv.Args)
	if inv.Result.ExitCode != nil {
		code := *inv.Result.ExitCode
		inv.Result.ExitCode = &code
	}
	return inv
}

// CloneArgs deep-copies a JSON-shaped map.
func CloneArgs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneArgs(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}
