package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"threat-assembler/internal/domain"
)

// Decode parses a message written by Encode. Unknown fields are skipped and
// missing required fields are an error. The resolver id is not part of the
// message and is left zero.
func Decode(b []byte) (*domain.ResolverRecord, error) {
	m := dynamicpb.NewMessage(schema.record)
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("unmarshal resolver record: %w", err)
	}

	rec := &domain.ResolverRecord{}
	lists := get(m, fieldRecordCustomLists).List()
	for i := 0; i < lists.Len(); i++ {
		rec.CustomLists = append(rec.CustomLists, decodeCustomList(lists.Get(i).Message()))
	}
	threats := get(m, fieldRecordThreats).List()
	for i := 0; i < threats.Len(); i++ {
		t, err := decodeThreat(threats.Get(i).Message())
		if err != nil {
			return nil, fmt.Errorf("threats[%d]: %w", i, err)
		}
		rec.Threats = append(rec.Threats, t)
	}
	ranges := get(m, fieldRecordIPRanges).List()
	for i := 0; i < ranges.Len(); i++ {
		rec.IPRanges = append(rec.IPRanges, decodeIPRange(ranges.Get(i).Message()))
	}
	policies := get(m, fieldRecordPolicies).List()
	for i := 0; i < policies.Len(); i++ {
		p, err := decodePolicy(policies.Get(i).Message())
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		rec.Policies = append(rec.Policies, p)
	}
	return rec, nil
}

func get(m protoreflect.Message, num protowire.Number) protoreflect.Value {
	return m.Get(fieldOf(m, num))
}

func getInt(m protoreflect.Message, num protowire.Number) int {
	return int(get(m, num).Int())
}

func decodeThreat(m protoreflect.Message) (domain.Threat, error) {
	var t domain.Threat

	hash := get(m, fieldThreatHash).Bytes()
	if len(hash) != 8 {
		return t, fmt.Errorf("crc64 has %d bytes, want 8", len(hash))
	}
	t.Hash = binary.BigEndian.Uint64(hash)
	t.Accuracy = getInt(m, fieldThreatAccuracy)

	flags := get(m, fieldThreatFlags).Bytes()
	if len(flags) > domain.SlotCount {
		return t, fmt.Errorf("flags has %d bytes, at most %d allowed", len(flags), domain.SlotCount)
	}
	for i, raw := range flags {
		f, err := domain.ParseFlag(raw)
		if err != nil {
			return t, fmt.Errorf("slot %d: %w", i, err)
		}
		t.Slots[i] = f
	}
	return t, nil
}

func decodeIPRange(m protoreflect.Message) domain.IPRangeRecord {
	return domain.IPRangeRecord{
		Start:    new(big.Int).SetBytes(get(m, fieldRangeStart).Bytes()),
		End:      new(big.Int).SetBytes(get(m, fieldRangeEnd).Bytes()),
		Identity: get(m, fieldRangeIdentity).String(),
		PolicyID: getInt(m, fieldRangePolicyID),
	}
}

func decodePolicy(m protoreflect.Message) (domain.PolicyRecord, error) {
	s, err := domain.StrategyFromValue(getInt(m, fieldPolicyStrategy))
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	return domain.PolicyRecord{
		PolicyID: getInt(m, fieldPolicyID),
		Strategy: s,
		Audit:    getInt(m, fieldPolicyAudit),
		Block:    getInt(m, fieldPolicyBlock),
	}, nil
}

func decodeCustomList(m protoreflect.Message) domain.CustomListRecord {
	c := domain.CustomListRecord{
		Identity: get(m, fieldListIdentity).String(),
		PolicyID: getInt(m, fieldListPolicyID),
	}
	whitelist := get(m, fieldListWhitelist).List()
	for i := 0; i < whitelist.Len(); i++ {
		c.Whitelist = append(c.Whitelist, whitelist.Get(i).String())
	}
	blacklist := get(m, fieldListBlacklist).List()
	for i := 0; i < blacklist.Len(); i++ {
		c.Blacklist = append(c.Blacklist, blacklist.Get(i).String())
	}
	return c
}
