package catalog

import (
	"fmt"
	"strings"

	"github.com/c360/controlbus/errors"
)

// Kind identifies the message kind carried by a topic.
type Kind int

const (
	// KindTelemetry is periodically sampled data; readers usually want
	// a little history.
	KindTelemetry Kind = iota
	// KindEvent is state-change data; readers usually want the latest value.
	KindEvent
	// KindCommand is a request directed at a component. Command topics are
	// volatile: no history is replayed for them.
	KindCommand
	// KindAck is the shared command acknowledgement topic. Volatile.
	KindAck
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindEvent:
		return "event"
	case KindCommand:
		return "command"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Volatile reports whether topics of this kind are excluded from
// historical replay.
func (k Kind) Volatile() bool {
	return k == KindCommand || k == KindAck
}

// Key prefixes, one per topic kind. They keep command, event and telemetry
// namespaces disjoint even when a component reuses a base name.
const (
	commandPrefix   = "cmd_"
	eventPrefix     = "evt_"
	telemetryPrefix = "tel_"

	// AckTopicKey is the key of the single acknowledgement topic that all
	// command topics of a component share.
	AckTopicKey = "ackcmd"
)

// System field names present in every wire record. These fields are stamped
// by the write side and are not caller-writable.
const (
	FieldIdentity = "identity"
	FieldOrigin   = "origin"
	FieldSent     = "sent"
	FieldReceived = "received"
	FieldSeqNum   = "seq_num"
	FieldIndex    = "index"
)

// systemFields maps every reserved field name to its wire type.
var systemFields = map[string]FieldType{
	FieldIdentity: FieldString,
	FieldOrigin:   FieldInt,
	FieldSent:     FieldFloat,
	FieldReceived: FieldFloat,
	FieldSeqNum:   FieldInt,
	FieldIndex:    FieldInt,
}

// IsSystemField reports whether name is a reserved system field.
func IsSystemField(name string) bool {
	_, ok := systemFields[name]
	return ok
}

// Public field names of the shared acknowledgement record.
const (
	AckFieldCode      = "code"
	AckFieldError     = "error"
	AckFieldResult    = "result"
	AckFieldIdentity  = "cmd_identity"
	AckFieldOrigin    = "cmd_origin"
	AckFieldCmdType   = "cmdtype"
	AckFieldRemaining = "remaining"
)

// MaxResultLen is the maximum length of the result field of an
// acknowledgement record. Longer results are truncated by the writer.
const MaxResultLen = 256

// FieldType is the wire type of a topic field.
type FieldType string

// Supported wire field types.
const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// FieldInfo describes one topic-specific field of a flat wire record.
type FieldInfo struct {
	Name        string
	Description string
	Type        FieldType
	// MaxLen bounds string fields; 0 means unbounded.
	MaxLen int
}

// TopicInfo describes one topic of a component: its kind, and the
// topic-specific fields that follow the system fields in the wire record.
type TopicInfo struct {
	Component string
	Name      string
	Kind      Kind
	Indexed   bool
	Fields    []FieldInfo

	fieldsByName map[string]FieldInfo
}

// NewTopicInfo builds a TopicInfo and validates its field layout.
func NewTopicInfo(component, name string, kind Kind, indexed bool, fields []FieldInfo) (*TopicInfo, error) {
	if component == "" || name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component=%q name=%q must both be non-empty", component, name),
			"TopicInfo", "NewTopicInfo", "validate names")
	}
	if strings.ContainsAny(component, ". *>") || strings.ContainsAny(name, ". *>") {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component=%q name=%q must not contain subject separators or wildcards", component, name),
			"TopicInfo", "NewTopicInfo", "validate names")
	}
	byName := make(map[string]FieldInfo, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("topic %s has a field with an empty name", name),
				"TopicInfo", "NewTopicInfo", "validate fields")
		}
		if IsSystemField(f.Name) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("field %q of topic %s collides with a system field", f.Name, name),
				"TopicInfo", "NewTopicInfo", "validate fields")
		}
		if _, dup := byName[f.Name]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("duplicate field %q in topic %s", f.Name, name),
				"TopicInfo", "NewTopicInfo", "validate fields")
		}
		byName[f.Name] = f
	}
	return &TopicInfo{
		Component:    component,
		Name:         name,
		Kind:         kind,
		Indexed:      indexed,
		Fields:       fields,
		fieldsByName: byName,
	}, nil
}

// Key returns the kind-prefixed topic key, unique within a component.
func (ti *TopicInfo) Key() string {
	switch ti.Kind {
	case KindCommand:
		return commandPrefix + ti.Name
	case KindEvent:
		return eventPrefix + ti.Name
	case KindAck:
		return AckTopicKey
	default:
		return telemetryPrefix + ti.Name
	}
}

// WireName returns the broker subject for this topic:
// {namespace}.{subname}.{component}.{key}. The subname is a
// deployment-scoped partition isolating environments on a shared broker.
func (ti *TopicInfo) WireName(namespace, subname string) string {
	return fmt.Sprintf("%s.%s.%s.%s", namespace, subname, ti.Component, ti.Key())
}

// StreamName returns the JetStream stream name backing this topic.
// One stream per (component, topic) pair so replay positions are
// independent across topics.
func (ti *TopicInfo) StreamName(subname string) string {
	raw := fmt.Sprintf("%s_%s_%s", subname, ti.Component, ti.Key())
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(raw))
}

// HasField reports whether name is a declared topic-specific field.
func (ti *TopicInfo) HasField(name string) bool {
	_, ok := ti.fieldsByName[name]
	return ok
}

// Field returns the FieldInfo for a declared topic-specific field.
func (ti *TopicInfo) Field(name string) (FieldInfo, bool) {
	f, ok := ti.fieldsByName[name]
	return f, ok
}

// AckTopicInfo returns the TopicInfo of the shared acknowledgement topic
// for a component. All command topics of the component reply through it.
func AckTopicInfo(component string, indexed bool) *TopicInfo {
	fields := []FieldInfo{
		{Name: AckFieldCode, Description: "Acknowledgement code", Type: FieldInt},
		{Name: AckFieldError, Description: "Error number; 0 unless the command failed", Type: FieldInt},
		{Name: AckFieldResult, Description: "Explanatory message", Type: FieldString, MaxLen: MaxResultLen},
		{Name: AckFieldIdentity, Description: "Identity of the command being acknowledged", Type: FieldString},
		{Name: AckFieldOrigin, Description: "Origin of the command being acknowledged", Type: FieldInt},
		{Name: AckFieldCmdType, Description: "Ordinal of the command in the sorted command list", Type: FieldInt},
		{Name: AckFieldRemaining, Description: "Estimated remaining duration in seconds; relevant for in-progress", Type: FieldFloat},
	}
	info, err := NewTopicInfo(component, AckTopicKey, KindAck, indexed, fields)
	if err != nil {
		// Field layout above is fixed; this cannot fail for a valid component name.
		panic(err)
	}
	return info
}
