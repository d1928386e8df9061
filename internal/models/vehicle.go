package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// VehicleClass is the weight/category tag of the vehicle to be towed.
type VehicleClass string

const (
	ClassMoto      VehicleClass = "MOTO"
	ClassAutomovil VehicleClass = "AUTOMOVIL"
	ClassCamioneta VehicleClass = "CAMIONETA"
	ClassFurgon    VehicleClass = "FURGON"
	ClassCamion    VehicleClass = "CAMION"
	ClassPesado    VehicleClass = "PESADO"
)

var vehicleClasses = map[VehicleClass]struct{}{
	ClassMoto:      {},
	ClassAutomovil: {},
	ClassCamioneta: {},
	ClassFurgon:    {},
	ClassCamion:    {},
	ClassPesado:    {},
}

// DefaultHeavyClasses are priced on the heavy tariff tier.
var DefaultHeavyClasses = []VehicleClass{ClassCamion, ClassPesado}

func (c VehicleClass) Valid() bool {
	_, ok := vehicleClasses[c]
	return ok
}

// ParseVehicleClass normalises case and surrounding whitespace and rejects unknown tags.
func ParseVehicleClass(s string) (VehicleClass, error) {
	c := VehicleClass(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown vehicle class %q", ErrInvalidInput, s)
	}
	return c, nil
}

func (c *VehicleClass) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: vehicle class must be a string", ErrInvalidInput)
	}
	parsed, err := ParseVehicleClass(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CapabilitySet is the set of vehicle classes an operator can service.
type CapabilitySet map[VehicleClass]struct{}

// NewCapabilitySet validates every member and rejects an empty set.
func NewCapabilitySet(classes ...VehicleClass) (CapabilitySet, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: capability set must not be empty", ErrInvalidInput)
	}
	set := make(CapabilitySet, len(classes))
	for _, c := range classes {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown vehicle class %q", ErrInvalidInput, string(c))
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// ParseCapabilities parses raw tags such as those stored in a text[] column.
func ParseCapabilities(raw []string) (CapabilitySet, error) {
	classes := make([]VehicleClass, 0, len(raw))
	for _, r := range raw {
		c, err := ParseVehicleClass(r)
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return NewCapabilitySet(classes...)
}

func (s CapabilitySet) Contains(c VehicleClass) bool {
	_, ok := s[c]
	return ok
}

// Slice returns the members in a stable order.
func (s CapabilitySet) Slice() []VehicleClass {
	out := make([]VehicleClass, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) Strings() []string {
	classes := s.Slice()
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = string(c)
	}
	return out
}

func (s CapabilitySet) Clone() CapabilitySet {
	if s == nil {
		return nil
	}
	cp := make(CapabilitySet, len(s))
	for c := range s {
		cp[c] = struct{}{}
	}
	return cp
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *CapabilitySet) UnmarshalJSON(b []byte) error {
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: capabilities must be an array of vehicle classes", ErrInvalidInput)
	}
	set, err := ParseCapabilities(raw)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
