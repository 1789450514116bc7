package analyzer

import "firestige.xyz/pktmask/internal/core"

// PolicyTable maps TLS content types to keep policies. Each preserve flag
// selects FullPreserve when set and HeaderOnly(HeaderPreserveBytes) when not.
// Unrecognized applies to unknown content types and to streams that carry no
// TLS at all.
type PolicyTable struct {
	PreserveHandshake        bool
	PreserveApplicationData  bool
	PreserveAlert            bool
	PreserveChangeCipherSpec bool
	PreserveHeartbeat        bool
	HeaderPreserveBytes      int
	Unrecognized             core.Policy
}

// DefaultPolicyTable keeps every structural record and only the header of
// application data. Unrecognized streams fail open.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		PreserveHandshake:        true,
		PreserveApplicationData:  false,
		PreserveAlert:            true,
		PreserveChangeCipherSpec: true,
		PreserveHeartbeat:        true,
		HeaderPreserveBytes:      core.TLSRecordHeaderLen,
		Unrecognized:             core.FullPreserve(),
	}
}

// For returns the policy of a record with content type ct.
func (t PolicyTable) For(ct uint8) core.Policy {
	var preserve bool
	switch core.ContentType(ct) {
	case core.ContentHandshake:
		preserve = t.PreserveHandshake
	case core.ContentApplicationData:
		preserve = t.PreserveApplicationData
	case core.ContentAlert:
		preserve = t.PreserveAlert
	case core.ContentChangeCipherSpec:
		preserve = t.PreserveChangeCipherSpec
	case core.ContentHeartbeat:
		preserve = t.PreserveHeartbeat
	default:
		return t.Unrecognized
	}
	if preserve {
		return core.FullPreserve()
	}
	return core.HeaderOnly(t.HeaderPreserveBytes)
}
