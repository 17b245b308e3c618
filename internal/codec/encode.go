// Package codec writes and reads the published resolver cache message
// (proto/resolver_record.proto) with the protobuf runtime.
package codec

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"threat-assembler/internal/domain"
)

// Fields are emitted in field number order, so repeated fields come out as
// customLists, threats, ipRanges, policies.
var marshalOpts = proto.MarshalOptions{Deterministic: true}

// Encode serializes rec. Repeated fields are written in the order
// customLists, threats, ipRanges, policies.
func Encode(rec *domain.ResolverRecord) ([]byte, error) {
	m := dynamicpb.NewMessage(schema.record)

	if len(rec.CustomLists) > 0 {
		list := m.Mutable(fieldOf(m, fieldRecordCustomLists)).List()
		for i := range rec.CustomLists {
			if err := setCustomList(list.AppendMutable().Message(), &rec.CustomLists[i]); err != nil {
				return nil, err
			}
		}
	}
	if len(rec.Threats) > 0 {
		list := m.Mutable(fieldOf(m, fieldRecordThreats)).List()
		for i := range rec.Threats {
			if err := setThreat(list.AppendMutable().Message(), &rec.Threats[i]); err != nil {
				return nil, err
			}
		}
	}
	if len(rec.IPRanges) > 0 {
		list := m.Mutable(fieldOf(m, fieldRecordIPRanges)).List()
		for i := range rec.IPRanges {
			if err := setIPRange(list.AppendMutable().Message(), &rec.IPRanges[i]); err != nil {
				return nil, err
			}
		}
	}
	if len(rec.Policies) > 0 {
		list := m.Mutable(fieldOf(m, fieldRecordPolicies)).List()
		for i := range rec.Policies {
			if err := setPolicy(list.AppendMutable().Message(), &rec.Policies[i]); err != nil {
				return nil, err
			}
		}
	}

	b, err := marshalOpts.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal resolver record: %w", err)
	}
	return b, nil
}

func setInt32(m protoreflect.Message, num protowire.Number, v int) error {
	fd := fieldOf(m, num)
	if int(int32(v)) != v {
		return fmt.Errorf("%s: %d does not fit in int32", fd.FullName(), v)
	}
	m.Set(fd, protoreflect.ValueOfInt32(int32(v)))
	return nil
}

func setBytes(m protoreflect.Message, num protowire.Number, b []byte) {
	m.Set(fieldOf(m, num), protoreflect.ValueOfBytes(b))
}

func setString(m protoreflect.Message, num protowire.Number, s string) {
	m.Set(fieldOf(m, num), protoreflect.ValueOfString(s))
}

func setThreat(m protoreflect.Message, t *domain.Threat) error {
	for i, f := range t.Slots {
		if _, err := domain.ParseFlag(byte(f)); err != nil {
			return fmt.Errorf("threat %016x slot %d: %w", t.Hash, i, err)
		}
	}

	hash := make([]byte, 8)
	binary.BigEndian.PutUint64(hash, t.Hash)

	setBytes(m, fieldThreatHash, hash)
	if err := setInt32(m, fieldThreatAccuracy, t.Accuracy); err != nil {
		return fmt.Errorf("threat %016x: %w", t.Hash, err)
	}
	setBytes(m, fieldThreatFlags, t.FlagBytes())
	return nil
}

func setIPRange(m protoreflect.Message, r *domain.IPRangeRecord) error {
	if r.Start == nil || r.End == nil {
		return fmt.Errorf("ip range %q has no bounds", r.CIDR)
	}
	if r.Start.Sign() < 0 || r.End.Sign() < 0 {
		return fmt.Errorf("ip range %q has negative bounds", r.CIDR)
	}

	setBytes(m, fieldRangeStart, r.Start.Bytes())
	setBytes(m, fieldRangeEnd, r.End.Bytes())
	if r.Identity != "" {
		setString(m, fieldRangeIdentity, r.Identity)
	}
	if err := setInt32(m, fieldRangePolicyID, r.PolicyID); err != nil {
		return fmt.Errorf("ip range %q: %w", r.CIDR, err)
	}
	return nil
}

func setPolicy(m protoreflect.Message, p *domain.PolicyRecord) error {
	if !p.Strategy.Valid() {
		return fmt.Errorf("policy %d: unknown strategy %q", p.PolicyID, p.Strategy)
	}
	for _, f := range []struct {
		num protowire.Number
		v   int
	}{
		{fieldPolicyID, p.PolicyID},
		{fieldPolicyStrategy, p.Strategy.Value()},
		{fieldPolicyAudit, p.Audit},
		{fieldPolicyBlock, p.Block},
	} {
		if err := setInt32(m, f.num, f.v); err != nil {
			return fmt.Errorf("policy %d: %w", p.PolicyID, err)
		}
	}
	return nil
}

func setCustomList(m protoreflect.Message, c *domain.CustomListRecord) error {
	setString(m, fieldListIdentity, c.Identity)
	if len(c.Whitelist) > 0 {
		list := m.Mutable(fieldOf(m, fieldListWhitelist)).List()
		for _, d := range c.Whitelist {
			list.Append(protoreflect.ValueOfString(d))
		}
	}
	if len(c.Blacklist) > 0 {
		list := m.Mutable(fieldOf(m, fieldListBlacklist)).List()
		for _, d := range c.Blacklist {
			list.Append(protoreflect.ValueOfString(d))
		}
	}
	if err := setInt32(m, fieldListPolicyID, c.PolicyID); err != nil {
		return fmt.Errorf("custom list %q: %w", c.Identity, err)
	}
	return nil
}
