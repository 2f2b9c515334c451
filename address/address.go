// Package address implements the Address identity model used throughout
// sendcore: a service account identified by a stable UUID, an E.164 phone
// number, or both.
package address

import (
	"fmt"

	"github.com/google/uuid"
)

// Address is a logical user identity. Equality and hashing are by UUID when
// one is present, otherwise by phone number; phone-only addresses occur for
// contacts that have not been through directory discovery yet.
type Address struct {
	UUID  uuid.UUID
	Phone string
}

// NewWithUUID builds an Address with a known service UUID.
func NewWithUUID(id uuid.UUID) Address {
	return Address{UUID: id}
}

// NewWithPhone builds an Address known only by phone number, pending
// directory discovery.
func NewWithPhone(phone string) Address {
	return Address{Phone: phone}
}

// HasUUID reports whether this address carries a resolved service UUID.
func (a Address) HasUUID() bool {
	return a.UUID != uuid.Nil
}

// IsValid reports whether the Address can be used as a send target, i.e.
// has a UUID. Addresses that only carry a phone number must go through
// directory reconciliation first.
func (a Address) IsValid() bool {
	return a.HasUUID()
}

// Key returns the value Address equality and map-keying are defined over:
// the UUID if present, else the phone number. Two Addresses with the same
// Key are considered the same identity regardless of what else they carry.
func (a Address) Key() string {
	if a.HasUUID() {
		return "uuid:" + a.UUID.String()
	}
	return "tel:" + a.Phone
}

// Equal reports whether two Addresses denote the same identity.
func (a Address) Equal(other Address) bool {
	return a.Key() == other.Key()
}

func (a Address) String() string {
	if a.HasUUID() {
		return a.UUID.String()
	}
	return fmt.Sprintf("unresolved(%s)", a.Phone)
}

// Set is a deduplicated collection of Addresses keyed by Address.Key.
type Set struct {
	m map[string]Address
}

// NewSet builds a Set from the given addresses, deduplicating by Key.
func NewSet(addrs ...Address) *Set {
	s := &Set{m: make(map[string]Address, len(addrs))}
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func (s *Set) Add(a Address) {
	if s.m == nil {
		s.m = make(map[string]Address)
	}
	s.m[a.Key()] = a
}

func (s *Set) Remove(a Address) {
	delete(s.m, a.Key())
}

func (s *Set) Contains(a Address) bool {
	_, ok := s.m[a.Key()]
	return ok
}

func (s *Set) Len() int {
	return len(s.m)
}

// Slice returns the Set's members in unspecified order.
func (s *Set) Slice() []Address {
	out := make([]Address, 0, len(s.m))
	for _, a := range s.m {
		out = append(out, a)
	}
	return out
}

// Union returns a new Set containing the members of both sets.
func (s *Set) Union(other *Set) *Set {
	out := NewSet(s.Slice()...)
	for _, a := range other.Slice() {
		out.Add(a)
	}
	return out
}

// Intersect returns a new Set containing only members present in both sets.
func (s *Set) Intersect(other *Set) *Set {
	out := NewSet()
	for _, a := range s.Slice() {
		if other.Contains(a) {
			out.Add(a)
		}
	}
	return out
}

// Subtract returns a new Set containing members of s absent from other.
func (s *Set) Subtract(other *Set) *Set {
	out := NewSet()
	for _, a := range s.Slice() {
		if !other.Contains(a) {
			out.Add(a)
		}
	}
	return out
}
