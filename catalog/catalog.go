// Package catalog holds the topic metadata consumed by the transport and
// topic layers: which topics a component has, their field layout, wire
// names, backing stream names, and the codec used to move records on and
// off the broker.
package catalog

import (
	"fmt"
	"sort"

	"github.com/c360/controlbus/errors"
)

// ComponentInfo describes one component: its topics keyed by kind-prefixed
// key, and the sorted list of command names used for sequence-number range
// allocation and the cmdtype ordinal.
type ComponentInfo struct {
	Name    string
	Indexed bool

	topics       map[string]*TopicInfo
	commandNames []string
}

// NewComponentInfo builds a ComponentInfo from topic declarations.
// If any command topic is declared, the shared acknowledgement topic is
// added automatically.
func NewComponentInfo(name string, indexed bool, topics ...*TopicInfo) (*ComponentInfo, error) {
	if name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component name must be non-empty"),
			"ComponentInfo", "NewComponentInfo", "validate name")
	}
	ci := &ComponentInfo{
		Name:    name,
		Indexed: indexed,
		topics:  make(map[string]*TopicInfo, len(topics)+1),
	}
	hasCommands := false
	for _, ti := range topics {
		if ti.Component != name {
			return nil, errors.WrapInvalid(
				fmt.Errorf("topic %s belongs to component %s, not %s", ti.Name, ti.Component, name),
				"ComponentInfo", "NewComponentInfo", "validate topics")
		}
		if ti.Indexed != indexed {
			return nil, errors.WrapInvalid(
				fmt.Errorf("topic %s indexed=%v does not match component indexed=%v", ti.Name, ti.Indexed, indexed),
				"ComponentInfo", "NewComponentInfo", "validate topics")
		}
		key := ti.Key()
		if _, dup := ci.topics[key]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("duplicate topic key %s", key),
				"ComponentInfo", "NewComponentInfo", "validate topics")
		}
		ci.topics[key] = ti
		if ti.Kind == KindCommand {
			hasCommands = true
			ci.commandNames = append(ci.commandNames, ti.Name)
		}
	}
	if hasCommands {
		ack := AckTopicInfo(name, indexed)
		ci.topics[ack.Key()] = ack
	}
	sort.Strings(ci.commandNames)
	return ci, nil
}

// Topic returns the TopicInfo for a kind-prefixed topic key.
func (ci *ComponentInfo) Topic(key string) (*TopicInfo, error) {
	ti, ok := ci.topics[key]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component %s has no topic %s: %w", ci.Name, key, errors.ErrUnknownTopic),
			"ComponentInfo", "Topic", "look up topic")
	}
	return ti, nil
}

// Command returns the TopicInfo for a command by base name.
func (ci *ComponentInfo) Command(name string) (*TopicInfo, error) {
	return ci.Topic(commandPrefix + name)
}

// Event returns the TopicInfo for an event by base name.
func (ci *ComponentInfo) Event(name string) (*TopicInfo, error) {
	return ci.Topic(eventPrefix + name)
}

// Telemetry returns the TopicInfo for a telemetry topic by base name.
func (ci *ComponentInfo) Telemetry(name string) (*TopicInfo, error) {
	return ci.Topic(telemetryPrefix + name)
}

// AckTopic returns the shared acknowledgement TopicInfo, or an error if the
// component declares no commands.
func (ci *ComponentInfo) AckTopic() (*TopicInfo, error) {
	return ci.Topic(AckTopicKey)
}

// CommandNames returns the sorted command names.
func (ci *ComponentInfo) CommandNames() []string {
	out := make([]string, len(ci.commandNames))
	copy(out, ci.commandNames)
	return out
}

// NumCommands returns the number of declared command topics.
func (ci *ComponentInfo) NumCommands() int {
	return len(ci.commandNames)
}

// CommandOrdinal returns the position of a command in the sorted command
// list. It is echoed in the cmdtype field of acknowledgements.
func (ci *ComponentInfo) CommandOrdinal(name string) (int, error) {
	i := sort.SearchStrings(ci.commandNames, name)
	if i >= len(ci.commandNames) || ci.commandNames[i] != name {
		return 0, errors.WrapInvalid(
			fmt.Errorf("component %s has no command %s: %w", ci.Name, name, errors.ErrUnknownTopic),
			"ComponentInfo", "CommandOrdinal", "look up command")
	}
	return i, nil
}

// TopicKeys returns all topic keys in sorted order.
func (ci *ComponentInfo) TopicKeys() []string {
	keys := make([]string, 0, len(ci.topics))
	for k := range ci.topics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Catalog is the registry of component descriptions for one deployment
// partition. It also owns the codec used for all topics.
type Catalog struct {
	namespace string
	subname   string
	codec     Codec

	components map[string]*ComponentInfo
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithCodec replaces the default JSON codec.
func WithCodec(codec Codec) Option {
	return func(c *Catalog) {
		c.codec = codec
	}
}

// New creates a Catalog for a namespace and deployment partition.
func New(namespace, subname string, opts ...Option) (*Catalog, error) {
	if namespace == "" || subname == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("namespace=%q subname=%q must both be non-empty: %w",
				namespace, subname, errors.ErrMissingConfig),
			"Catalog", "New", "validate partition")
	}
	c := &Catalog{
		namespace:  namespace,
		subname:    subname,
		codec:      NewJSONCodec(),
		components: make(map[string]*ComponentInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Namespace returns the wire namespace.
func (c *Catalog) Namespace() string { return c.namespace }

// Subname returns the deployment partition string.
func (c *Catalog) Subname() string { return c.subname }

// Codec returns the codec shared by all topics.
func (c *Catalog) Codec() Codec { return c.codec }

// Register adds a component description. Registering the same component
// twice is an error.
func (c *Catalog) Register(ci *ComponentInfo) error {
	if _, dup := c.components[ci.Name]; dup {
		return errors.WrapInvalid(
			fmt.Errorf("component %s already registered", ci.Name),
			"Catalog", "Register", "register component")
	}
	c.components[ci.Name] = ci
	return nil
}

// Component returns a registered component description.
func (c *Catalog) Component(name string) (*ComponentInfo, error) {
	ci, ok := c.components[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component %s not registered: %w", name, errors.ErrUnknownTopic),
			"Catalog", "Component", "look up component")
	}
	return ci, nil
}

// WireName returns the broker subject of a topic of a registered component.
func (c *Catalog) WireName(ti *TopicInfo) string {
	return ti.WireName(c.namespace, c.subname)
}

// StreamName returns the stream name backing a topic in this partition.
func (c *Catalog) StreamName(ti *TopicInfo) string {
	return ti.StreamName(c.subname)
}
