package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Field numbers of proto/resolver_record.proto.
const (
	fieldRecordCustomLists protowire.Number = 1
	fieldRecordThreats     protowire.Number = 2
	fieldRecordIPRanges    protowire.Number = 3
	fieldRecordPolicies    protowire.Number = 4

	fieldThreatHash     protowire.Number = 1
	fieldThreatAccuracy protowire.Number = 2
	fieldThreatFlags    protowire.Number = 3

	fieldRangeStart    protowire.Number = 1
	fieldRangeEnd      protowire.Number = 2
	fieldRangeIdentity protowire.Number = 3
	fieldRangePolicyID protowire.Number = 4

	fieldPolicyID       protowire.Number = 1
	fieldPolicyStrategy protowire.Number = 2
	fieldPolicyAudit    protowire.Number = 3
	fieldPolicyBlock    protowire.Number = 4

	fieldListIdentity  protowire.Number = 1
	fieldListWhitelist protowire.Number = 2
	fieldListBlacklist protowire.Number = 3
	fieldListPolicyID  protowire.Number = 4
)

const protoPackage = "sinkitprotobuf"

type messages struct {
	record     protoreflect.MessageDescriptor
	threat     protoreflect.MessageDescriptor
	ipRange    protoreflect.MessageDescriptor
	policy     protoreflect.MessageDescriptor
	customList protoreflect.MessageDescriptor
}

var schema = mustLoadSchema()

// resolverRecordFile mirrors proto/resolver_record.proto.
func resolverRecordFile() *descriptorpb.FileDescriptorProto {
	var (
		required = descriptorpb.FieldDescriptorProto_LABEL_REQUIRED
		optional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		repeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED

		bytesT   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		int32T   = descriptorpb.FieldDescriptorProto_TYPE_INT32
		stringT  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		messageT = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)

	field := func(name string, num protowire.Number, label descriptorpb.FieldDescriptorProto_Label, typ descriptorpb.FieldDescriptorProto_Type, msg string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(int32(num)),
			Label:  label.Enum(),
			Type:   typ.Enum(),
		}
		if msg != "" {
			f.TypeName = proto.String("." + protoPackage + "." + msg)
		}
		return f
	}
	message := func(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
		return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
	}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("resolver_record.proto"),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("ResolverRecord",
				field("customLists", fieldRecordCustomLists, repeated, messageT, "CustomListRecord"),
				field("threats", fieldRecordThreats, repeated, messageT, "Threat"),
				field("ipRanges", fieldRecordIPRanges, repeated, messageT, "IpRangesRecord"),
				field("policies", fieldRecordPolicies, repeated, messageT, "PolicyRecord"),
			),
			message("Threat",
				field("crc64", fieldThreatHash, required, bytesT, ""),
				field("accuracy", fieldThreatAccuracy, required, int32T, ""),
				field("flags", fieldThreatFlags, required, bytesT, ""),
			),
			message("IpRangesRecord",
				field("startIpRange", fieldRangeStart, required, bytesT, ""),
				field("endIpRange", fieldRangeEnd, required, bytesT, ""),
				field("identity", fieldRangeIdentity, optional, stringT, ""),
				field("policyId", fieldRangePolicyID, required, int32T, ""),
			),
			message("PolicyRecord",
				field("policyId", fieldPolicyID, required, int32T, ""),
				field("strategy", fieldPolicyStrategy, required, int32T, ""),
				field("audit", fieldPolicyAudit, required, int32T, ""),
				field("block", fieldPolicyBlock, required, int32T, ""),
			),
			message("CustomListRecord",
				field("identity", fieldListIdentity, required, stringT, ""),
				field("whitelist", fieldListWhitelist, repeated, stringT, ""),
				field("blacklist", fieldListBlacklist, repeated, stringT, ""),
				field("policyId", fieldListPolicyID, required, int32T, ""),
			),
		},
	}
}

func loadSchema() (messages, error) {
	fd, err := protodesc.NewFile(resolverRecordFile(), nil)
	if err != nil {
		return messages{}, fmt.Errorf("build resolver record descriptor: %w", err)
	}
	ms := fd.Messages()
	return messages{
		record:     ms.ByName("ResolverRecord"),
		threat:     ms.ByName("Threat"),
		ipRange:    ms.ByName("IpRangesRecord"),
		policy:     ms.ByName("PolicyRecord"),
		customList: ms.ByName("CustomListRecord"),
	}, nil
}

func mustLoadSchema() messages {
	m, err := loadSchema()
	if err != nil {
		panic(err)
	}
	return m
}

func fieldOf(m protoreflect.Message, num protowire.Number) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByNumber(num)
}
