package user

import "github.com/arborhs/arbor/internal/json"

// Privilege is a bitmask over the administrative grants.
type Privilege int

const (
	PrivDeactivate Privilege = 1 << iota
	PrivIssueTokens
	PrivConfig
	PrivGrantPrivileges
	PrivProcControl
	PrivAlias

	PrivNone Privilege = 0
	PrivAll            = PrivDeactivate | PrivIssueTokens | PrivConfig |
		PrivGrantPrivileges | PrivProcControl | PrivAlias
)

var privilegeNames = []struct {
	bit  Privilege
	name string
}{
	{PrivDeactivate, "DEACTIVATE"},
	{PrivIssueTokens, "ISSUE_TOKENS"},
	{PrivConfig, "CONFIG"},
	{PrivGrantPrivileges, "GRANT_PRIVILEGES"},
	{PrivProcControl, "PROC_CONTROL"},
	{PrivAlias, "ALIAS"},
}

// EncodePrivileges renders a bitmask as a JSON array of grant names.
// When every grant is set, the single string "ALL" is emitted instead.
func EncodePrivileges(p Privilege) *json.Value {
	arr := json.NewArray()
	if p&PrivAll == PrivAll {
		arr.Append(json.String("ALL"))
		return arr
	}
	for _, pn := range privilegeNames {
		if p&pn.bit != 0 {
			arr.Append(json.String(pn.name))
		}
	}
	return arr
}

// DecodePrivileges parses a JSON array of grant names into a bitmask.
// Unknown names are ignored.
func DecodePrivileges(v *json.Value) Privilege {
	if v == nil || v.Kind() != json.KindArray {
		return PrivNone
	}
	var p Privilege
	for _, elem := range v.Array() {
		if elem.Kind() != json.KindString {
			continue
		}
		name := elem.Str()
		if name == "ALL" {
			return PrivAll
		}
		for _, pn := range privilegeNames {
			if pn.name == name {
				p |= pn.bit
			}
		}
	}
	return p
}
