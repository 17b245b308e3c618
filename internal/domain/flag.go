package domain

import "fmt"

// Flag is the per-policy decision stored in a threat slot.
type Flag uint8

const (
	FlagNone      Flag = 0
	FlagAccuracy  Flag = 1
	FlagBlacklist Flag = 2
	FlagWhitelist Flag = 4
	FlagDrop      Flag = 8
	FlagAudit     Flag = 16
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagAccuracy:
		return "accuracy"
	case FlagBlacklist:
		return "blacklist"
	case FlagWhitelist:
		return "whitelist"
	case FlagDrop:
		return "drop"
	case FlagAudit:
		return "audit"
	default:
		return fmt.Sprintf("Flag(%d)", uint8(f))
	}
}

// ParseFlag maps an encoded byte back to its Flag.
func ParseFlag(b byte) (Flag, error) {
	switch f := Flag(b); f {
	case FlagNone, FlagAccuracy, FlagBlacklist, FlagWhitelist, FlagDrop, FlagAudit:
		return f, nil
	default:
		return FlagNone, fmt.Errorf("value %d cannot be mapped to a flag", b)
	}
}

// StrategyType is how a policy treats matching threats.
type StrategyType string

const (
	StrategyAccuracy  StrategyType = "accuracy"
	StrategyBlacklist StrategyType = "blacklist"
	StrategyWhitelist StrategyType = "whitelist"
	StrategyDrop      StrategyType = "drop"
)

// Value is the bit value of the strategy in published policy records.
func (s StrategyType) Value() int {
	switch s {
	case StrategyAccuracy:
		return 1
	case StrategyBlacklist:
		return 2
	case StrategyWhitelist:
		return 4
	case StrategyDrop:
		return 8
	default:
		return 0
	}
}

// Flag is the slot flag a matching threat receives under this strategy.
func (s StrategyType) Flag() Flag {
	return Flag(s.Value())
}

func (s StrategyType) Valid() bool {
	return s.Value() != 0
}

// StrategyFromValue is the inverse of Value.
func StrategyFromValue(v int) (StrategyType, error) {
	for _, s := range []StrategyType{StrategyAccuracy, StrategyBlacklist, StrategyWhitelist, StrategyDrop} {
		if s.Value() == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown strategy value %d", v)
}
