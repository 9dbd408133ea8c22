// Package protocol defines the wire messages exchanged on a subscribe
// stream and their framing. Field ordinals and enum values are part of
// the wire contract and must never change. Messages are encoded with
// protowire directly; the layout is protobuf-compatible.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// stream modes
const (
	StreamModeStream int32 = 0
	StreamModeOnce   int32 = 1
	StreamModePoll   int32 = 2
)

// subscription delivery modes
const (
	SubscriptionModeTargetDefined int32 = 0
	SubscriptionModeOnChange      int32 = 1
	SubscriptionModeSampled       int32 = 2
)

// value kinds
const (
	ValueKindRaw    int32 = 0
	ValueKindText   int32 = 1
	ValueKindBinary int32 = 2
)

type Path struct {
	// field 1, repeated
	Elements []string
}

type TypedValue struct {
	// field 1
	Kind int32
	// field 2
	Raw []byte
	// field 3
	Text string
	// field 4
	Encoding string
	// field 5
	Binary []byte
	// field 6
	EnumName string
}

type Update struct {
	// field 1
	Path *Path
	// field 2
	Value *TypedValue
}

type Notification struct {
	// field 1, nanoseconds since epoch
	Timestamp int64
	// field 2
	Prefix *Path
	// field 3
	Alias string
	// field 4, repeated
	Updates []*Update
	// field 5, repeated
	Deletes []*Path
}

type Subscription struct {
	// field 1
	Path *Path
	// field 2
	Mode int32
	// field 3, nanoseconds
	SampleInterval int64
	// field 4
	SuppressRedundant bool
	// field 5, nanoseconds
	HeartbeatInterval int64
}

type SubscriptionList struct {
	// field 1
	Prefix *Path
	// field 2, repeated
	Subscriptions []*Subscription
	// field 3
	Mode int32
	// field 4
	UseAliases bool
	// field 5
	Qos uint32
}

type Alias struct {
	// field 1
	Alias *Path
	// field 2, absent to undefine
	Path *Path
}

type AliasList struct {
	// field 1, repeated
	Aliases []*Alias
}

type Heartbeat struct {
	// field 1, nanoseconds. 0 demands an immediate response
	Interval int64
}

type Error struct {
	// field 1, canonical code
	Code int32
	// field 2
	Message string
}

type ModelData struct {
	// field 1
	Name string
	// field 2
	Organization string
	// field 3
	Version string
}

// one inbound stream message. Exactly one variant is set
type SubscribeRequest struct {
	// field 1
	Subscribe *SubscriptionList
	// field 3, empty message presence
	Poll bool
	// field 4
	Aliases *AliasList
	// field 5
	Heartbeat *Heartbeat
	// field 6, repeated. opaque pass-through
	Proxies []string
}

// one outbound stream message. Exactly one variant is set
type SubscribeResponse struct {
	// field 1
	Update *Notification
	// field 3
	SyncResponse bool
	// field 4, empty message presence
	Heartbeat bool
	// field 5
	Error *Error
}

// encoding

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func (self *Path) Marshal() []byte {
	var b []byte
	for _, element := range self.Elements {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, element)
	}
	return b
}

func (self *Path) Unmarshal(b []byte) error {
	*self = Path{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num == 1 && typ == protowire.BytesType {
			self.Elements = append(self.Elements, string(v))
		}
		return nil
	})
}

func (self *TypedValue) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(self.Kind))
	b = appendBytesField(b, 2, self.Raw)
	b = appendString(b, 3, self.Text)
	b = appendString(b, 4, self.Encoding)
	b = appendBytesField(b, 5, self.Binary)
	b = appendString(b, 6, self.EnumName)
	return b
}

func (self *TypedValue) Unmarshal(b []byte) error {
	*self = TypedValue{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Kind = int32(u)
		case 2:
			self.Raw = append([]byte(nil), v...)
		case 3:
			self.Text = string(v)
		case 4:
			self.Encoding = string(v)
		case 5:
			self.Binary = append([]byte(nil), v...)
		case 6:
			self.EnumName = string(v)
		}
		return nil
	})
}

func (self *Update) Marshal() []byte {
	var b []byte
	if self.Path != nil {
		b = appendMessage(b, 1, self.Path.Marshal())
	}
	if self.Value != nil {
		b = appendMessage(b, 2, self.Value.Marshal())
	}
	return b
}

func (self *Update) Unmarshal(b []byte) error {
	*self = Update{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Path = &Path{}
			return self.Path.Unmarshal(v)
		case 2:
			self.Value = &TypedValue{}
			return self.Value.Unmarshal(v)
		}
		return nil
	})
}

func (self *Notification) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(self.Timestamp))
	if self.Prefix != nil {
		b = appendMessage(b, 2, self.Prefix.Marshal())
	}
	b = appendString(b, 3, self.Alias)
	for _, update := range self.Updates {
		b = appendMessage(b, 4, update.Marshal())
	}
	for _, del := range self.Deletes {
		b = appendMessage(b, 5, del.Marshal())
	}
	return b
}

func (self *Notification) Unmarshal(b []byte) error {
	*self = Notification{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Timestamp = int64(u)
		case 2:
			self.Prefix = &Path{}
			return self.Prefix.Unmarshal(v)
		case 3:
			self.Alias = string(v)
		case 4:
			update := &Update{}
			if err := update.Unmarshal(v); err != nil {
				return err
			}
			self.Updates = append(self.Updates, update)
		case 5:
			del := &Path{}
			if err := del.Unmarshal(v); err != nil {
				return err
			}
			self.Deletes = append(self.Deletes, del)
		}
		return nil
	})
}

func (self *Subscription) Marshal() []byte {
	var b []byte
	if self.Path != nil {
		b = appendMessage(b, 1, self.Path.Marshal())
	}
	b = appendVarint(b, 2, uint64(self.Mode))
	b = appendVarint(b, 3, uint64(self.SampleInterval))
	b = appendBool(b, 4, self.SuppressRedundant)
	b = appendVarint(b, 5, uint64(self.HeartbeatInterval))
	return b
}

func (self *Subscription) Unmarshal(b []byte) error {
	*self = Subscription{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Path = &Path{}
			return self.Path.Unmarshal(v)
		case 2:
			self.Mode = int32(u)
		case 3:
			self.SampleInterval = int64(u)
		case 4:
			self.SuppressRedundant = u != 0
		case 5:
			self.HeartbeatInterval = int64(u)
		}
		return nil
	})
}

func (self *SubscriptionList) Marshal() []byte {
	var b []byte
	if self.Prefix != nil {
		b = appendMessage(b, 1, self.Prefix.Marshal())
	}
	for _, sub := range self.Subscriptions {
		b = appendMessage(b, 2, sub.Marshal())
	}
	b = appendVarint(b, 3, uint64(self.Mode))
	b = appendBool(b, 4, self.UseAliases)
	b = appendVarint(b, 5, uint64(self.Qos))
	return b
}

func (self *SubscriptionList) Unmarshal(b []byte) error {
	*self = SubscriptionList{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Prefix = &Path{}
			return self.Prefix.Unmarshal(v)
		case 2:
			sub := &Subscription{}
			if err := sub.Unmarshal(v); err != nil {
				return err
			}
			self.Subscriptions = append(self.Subscriptions, sub)
		case 3:
			self.Mode = int32(u)
		case 4:
			self.UseAliases = u != 0
		case 5:
			self.Qos = uint32(u)
		}
		return nil
	})
}

func (self *Alias) Marshal() []byte {
	var b []byte
	if self.Alias != nil {
		b = appendMessage(b, 1, self.Alias.Marshal())
	}
	if self.Path != nil {
		b = appendMessage(b, 2, self.Path.Marshal())
	}
	return b
}

func (self *Alias) Unmarshal(b []byte) error {
	*self = Alias{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Alias = &Path{}
			return self.Alias.Unmarshal(v)
		case 2:
			self.Path = &Path{}
			return self.Path.Unmarshal(v)
		}
		return nil
	})
}

func (self *AliasList) Marshal() []byte {
	var b []byte
	for _, alias := range self.Aliases {
		b = appendMessage(b, 1, alias.Marshal())
	}
	return b
}

func (self *AliasList) Unmarshal(b []byte) error {
	*self = AliasList{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num == 1 {
			alias := &Alias{}
			if err := alias.Unmarshal(v); err != nil {
				return err
			}
			self.Aliases = append(self.Aliases, alias)
		}
		return nil
	})
}

func (self *Heartbeat) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(self.Interval))
	return b
}

func (self *Heartbeat) Unmarshal(b []byte) error {
	*self = Heartbeat{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num == 1 {
			self.Interval = int64(u)
		}
		return nil
	})
}

func (self *Error) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(self.Code))
	b = appendString(b, 2, self.Message)
	return b
}

func (self *Error) Unmarshal(b []byte) error {
	*self = Error{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Code = int32(u)
		case 2:
			self.Message = string(v)
		}
		return nil
	})
}

func (self *ModelData) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, self.Name)
	b = appendString(b, 2, self.Organization)
	b = appendString(b, 3, self.Version)
	return b
}

func (self *ModelData) Unmarshal(b []byte) error {
	*self = ModelData{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Name = string(v)
		case 2:
			self.Organization = string(v)
		case 3:
			self.Version = string(v)
		}
		return nil
	})
}

func (self *SubscribeRequest) Marshal() []byte {
	var b []byte
	if self.Subscribe != nil {
		b = appendMessage(b, 1, self.Subscribe.Marshal())
	}
	if self.Poll {
		b = appendMessage(b, 3, nil)
	}
	if self.Aliases != nil {
		b = appendMessage(b, 4, self.Aliases.Marshal())
	}
	if self.Heartbeat != nil {
		b = appendMessage(b, 5, self.Heartbeat.Marshal())
	}
	for _, proxy := range self.Proxies {
		b = appendString(b, 6, proxy)
	}
	return b
}

func (self *SubscribeRequest) Unmarshal(b []byte) error {
	*self = SubscribeRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Subscribe = &SubscriptionList{}
			return self.Subscribe.Unmarshal(v)
		case 3:
			self.Poll = true
		case 4:
			self.Aliases = &AliasList{}
			return self.Aliases.Unmarshal(v)
		case 5:
			self.Heartbeat = &Heartbeat{}
			return self.Heartbeat.Unmarshal(v)
		case 6:
			self.Proxies = append(self.Proxies, string(v))
		}
		return nil
	})
}

func (self *SubscribeResponse) Marshal() []byte {
	var b []byte
	if self.Update != nil {
		b = appendMessage(b, 1, self.Update.Marshal())
	}
	b = appendBool(b, 3, self.SyncResponse)
	if self.Heartbeat {
		b = appendMessage(b, 4, nil)
	}
	if self.Error != nil {
		b = appendMessage(b, 5, self.Error.Marshal())
	}
	return b
}

func (self *SubscribeResponse) Unmarshal(b []byte) error {
	*self = SubscribeResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			self.Update = &Notification{}
			return self.Update.Unmarshal(v)
		case 3:
			self.SyncResponse = u != 0
		case 4:
			self.Heartbeat = true
		case 5:
			self.Error = &Error{}
			return self.Error.Unmarshal(v)
		}
		return nil
	})
}

// walks top-level fields, handing bytes fields as `v` and varint
// fields as `u`. Unknown fields are skipped for forward compatibility
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("invalid varint for field %d: %w", num, protowire.ParseError(n))
			}
			if err := visit(num, typ, nil, u); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("invalid bytes for field %d: %w", num, protowire.ParseError(n))
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
