package script

import "github.com/itchyny/gojq"

// findBannedFunc walks the parsed query and returns the name of the
// first banned builtin it references, or "" if the program is clean.
func findBannedFunc(q *gojq.Query) string {
	if q == nil {
		return ""
	}
	for _, fd := range q.FuncDefs {
		if name := findBannedFunc(fd.Body); name != "" {
			return name
		}
	}
	if name := findBannedInTerm(q.Term); name != "" {
		return name
	}
	if name := findBannedFunc(q.Left); name != "" {
		return name
	}
	return findBannedFunc(q.Right)
}

func findBannedInTerm(t *gojq.Term) string {
	if t == nil {
		return ""
	}
	if t.Func != nil {
		if _, banned := bannedFuncs[t.Func.Name]; banned {
			return t.Func.Name
		}
		for _, arg := range t.Func.Args {
			if name := findBannedFunc(arg); name != "" {
				return name
			}
		}
	}
	if t.Index != nil {
		if name := findBannedInIndex(t.Index); name != "" {
			return name
		}
	}
	if t.Object != nil {
		for _, kv := range t.Object.KeyVals {
			if name := findBannedFunc(kv.KeyQuery); name != "" {
				return name
			}
			if kv.KeyString != nil {
				if name := findBannedInString(kv.KeyString); name != "" {
					return name
				}
			}
			if name := findBannedFunc(kv.Val); name != "" {
				return name
			}
		}
	}
	if t.Array != nil {
		if name := findBannedFunc(t.Array.Query); name != "" {
			return name
		}
	}
	if t.Unary != nil {
		if name := findBannedInTerm(t.Unary.Term); name != "" {
			return name
		}
	}
	if t.Str != nil {
		if name := findBannedInString(t.Str); name != "" {
			return name
		}
	}
	if t.If != nil {
		for _, q := range []*gojq.Query{t.If.Cond, t.If.Then, t.If.Else} {
			if name := findBannedFunc(q); name != "" {
				return name
			}
		}
		for _, elif := range t.If.Elif {
			if name := findBannedFunc(elif.Cond); name != "" {
				return name
			}
			if name := findBannedFunc(elif.Then); name != "" {
				return name
			}
		}
	}
	if t.Try != nil {
		if name := findBannedFunc(t.Try.Body); name != "" {
			return name
		}
		if name := findBannedFunc(t.Try.Catch); name != "" {
			return name
		}
	}
	if t.Reduce != nil {
		if name := findBannedFunc(t.Reduce.Query); name != "" {
			return name
		}
		if name := findBannedFunc(t.Reduce.Start); name != "" {
			return name
		}
		if name := findBannedFunc(t.Reduce.Update); name != "" {
			return name
		}
	}
	if t.Foreach != nil {
		if name := findBannedFunc(t.Foreach.Query); name != "" {
			return name
		}
		for _, q := range []*gojq.Query{t.Foreach.Start, t.Foreach.Update, t.Foreach.Extract} {
			if name := findBannedFunc(q); name != "" {
				return name
			}
		}
	}
	if t.Label != nil {
		if name := findBannedFunc(t.Label.Body); name != "" {
			return name
		}
	}
	if t.Query != nil {
		if name := findBannedFunc(t.Query); name != "" {
			return name
		}
	}
	// Bind bodies ("as $x | body") live on Query.Right in this gojq
	// version and are reached through the Query walk in findBannedFunc.
	for _, s := range t.SuffixList {
		if s.Index != nil {
			if name := findBannedInIndex(s.Index); name != "" {
				return name
			}
		}
	}
	return ""
}

func findBannedInIndex(idx *gojq.Index) string {
	if idx == nil {
		return ""
	}
	if idx.Str != nil {
		if name := findBannedInString(idx.Str); name != "" {
			return name
		}
	}
	if name := findBannedFunc(idx.Start); name != "" {
		return name
	}
	return findBannedFunc(idx.End)
}

func findBannedInString(s *gojq.String) string {
	for _, q := range s.Queries {
		if name := findBannedFunc(q); name != "" {
			return name
		}
	}
	return ""
}
