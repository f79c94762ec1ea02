package printing

import (
	"fmt"
	"strings"
	"time"
)

// DefaultReportingBuffer is the dispute window that must elapse after the
// completion deadline before escrow is released to the printer.
const DefaultReportingBuffer = 5 * time.Minute

// SettlementPolicy controls who may trigger TransferFundsToProvider.
type SettlementPolicy string

const (
	// SettleAnyCaller lets any identity settle once the window elapsed.
	SettleAnyCaller SettlementPolicy = "any"
	// SettleProviderOnly restricts settlement to the order's printer.
	SettleProviderOnly SettlementPolicy = "provider"
)

// ParseSettlementPolicy normalises a policy name. Empty selects SettleAnyCaller.
func ParseSettlementPolicy(value string) (SettlementPolicy, error) {
	switch SettlementPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", SettleAnyCaller:
		return SettleAnyCaller, nil
	case SettleProviderOnly:
		return SettleProviderOnly, nil
	default:
		return "", fmt.Errorf("printing: unknown settlement policy %q", value)
	}
}

// Policy bundles the tunable lifecycle rules.
type Policy struct {
	Settlement      SettlementPolicy
	ReportingBuffer time.Duration
}

// DefaultPolicy returns the permissionless settlement policy with the standard
// five minute reporting buffer.
func DefaultPolicy() Policy {
	return Policy{Settlement: SettleAnyCaller, ReportingBuffer: DefaultReportingBuffer}
}

func (p Policy) normalize() Policy {
	if p.Settlement == "" {
		p.Settlement = SettleAnyCaller
	}
	if p.ReportingBuffer < 0 {
		p.ReportingBuffer = 0
	}
	return p
}
