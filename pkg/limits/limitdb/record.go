// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import (
	"strings"

	"github.com/zeebo/errs"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// KeyError is a class of key errors.
	KeyError = errs.Class("key")

	// EncodingError is a class of record encoding errors.
	EncodingError = errs.Class("record encoding")
)

// keySeparator separates the action from the subject in the canonical key
// form. Action names cannot contain it; subjects can.
const keySeparator = "/"

// Key identifies the record of one subject performing one action.
type Key struct {
	Subject string
	Action  string
}

// String returns the canonical form of the key, <action>/<subject>.
func (k Key) String() string {
	return k.Action + keySeparator + k.Subject
}

// Validate checks that the key can be persisted and parsed back.
func (k Key) Validate() error {
	if k.Subject == "" {
		return KeyError.New("subject is empty")
	}
	return ValidateActionName(k.Action)
}

// ParseKey parses the canonical form produced by Key.String.
func ParseKey(s string) (Key, error) {
	action, subject, ok := strings.Cut(s, keySeparator)
	if !ok {
		return Key{}, KeyError.New("missing separator in %q", s)
	}
	k := Key{Subject: subject, Action: action}
	return k, k.Validate()
}

// ValidateActionName checks that name can be used as an action.
func ValidateActionName(name string) error {
	if name == "" {
		return KeyError.New("action is empty")
	}
	if strings.Contains(name, keySeparator) {
		return KeyError.New("action %q contains %q", name, keySeparator)
	}
	return nil
}

// Record holds the admitted events of one key. All timestamps are unix
// milliseconds.
type Record struct {
	// Requests are the admitted timestamps, ascending.
	Requests       []int64
	FirstRequestAt int64
	LastRequestAt  int64
	LastUpdate     int64
}

// Clone returns a deep copy of r. It returns nil for a nil record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Requests = append([]int64(nil), r.Requests...)
	return &c
}

// InWindow returns the requests strictly newer than windowStart. The
// returned slice does not alias r.Requests.
func (r *Record) InWindow(windowStart int64) []int64 {
	if r == nil {
		return nil
	}
	pruned := make([]int64, 0, len(r.Requests))
	for _, ts := range r.Requests {
		if ts > windowStart {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}

const (
	fieldRequests       protowire.Number = 1
	fieldFirstRequestAt protowire.Number = 2
	fieldLastRequestAt  protowire.Number = 3
	fieldLastUpdate     protowire.Number = 4
)

// MarshalRecord encodes r using the protobuf wire format, so that byte
// oriented backends don't need generated code to stay forward compatible.
func MarshalRecord(r *Record) []byte {
	var b []byte

	if len(r.Requests) > 0 {
		var packed []byte
		for _, ts := range r.Requests {
			packed = protowire.AppendVarint(packed, uint64(ts))
		}
		b = protowire.AppendTag(b, fieldRequests, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	for _, f := range []struct {
		num protowire.Number
		val int64
	}{
		{fieldFirstRequestAt, r.FirstRequestAt},
		{fieldLastRequestAt, r.LastRequestAt},
		{fieldLastUpdate, r.LastUpdate},
	} {
		if f.val != 0 {
			b = protowire.AppendTag(b, f.num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(f.val))
		}
	}

	return b
}

// UnmarshalRecord decodes a record encoded by MarshalRecord. Unknown fields
// are skipped.
func UnmarshalRecord(b []byte) (*Record, error) {
	r := new(Record)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, EncodingError.Wrap(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldRequests && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, EncodingError.Wrap(protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, EncodingError.Wrap(protowire.ParseError(m))
				}
				packed = packed[m:]
				r.Requests = append(r.Requests, int64(v))
			}
		case num == fieldRequests && typ == protowire.VarintType:
			// unpacked repeated encoding is valid protobuf as well.
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, EncodingError.Wrap(protowire.ParseError(n))
			}
			b = b[n:]
			r.Requests = append(r.Requests, int64(v))
		case (num == fieldFirstRequestAt || num == fieldLastRequestAt || num == fieldLastUpdate) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, EncodingError.Wrap(protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldFirstRequestAt:
				r.FirstRequestAt = int64(v)
			case fieldLastRequestAt:
				r.LastRequestAt = int64(v)
			case fieldLastUpdate:
				r.LastUpdate = int64(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, EncodingError.Wrap(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return r, nil
}
