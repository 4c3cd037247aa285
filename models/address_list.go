package models

import (
	"strings"

	"gorm.io/datatypes"
)

// AddressList is an ordered list of addresses stored as a JSON column.
type AddressList = datatypes.JSONSlice[string]

// NormalizeAddresses trims, lowercases and drops empty and repeated entries,
// keeping order. An empty result is nil.
func NormalizeAddresses(list []string) AddressList {
	seen := make(map[string]struct{}, len(list))
	out := make(AddressList, 0, len(list))
	for _, addr := range list {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
