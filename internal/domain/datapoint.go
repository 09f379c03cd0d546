package domain

import (
	"encoding/json"
	"time"
)

// Quality represents the reliability of a published data point.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityBad          Quality = "bad"
	QualityNotConnected Quality = "not_connected"
)

// RegisterDefinition is the presentation-side description of a register:
// what to call it, how to scale it and whether it may be written.
type RegisterDefinition struct {
	Address  uint16
	Type     DataType
	Name     string
	Unit     string
	Scale    float64
	Writable bool
}

// Entry returns the catalog entry for the definition.
func (d RegisterDefinition) Entry() RegisterEntry {
	return RegisterEntry{Address: d.Address, Type: d.Type}
}

// RegisterMap indexes register definitions by address. It is built once and
// only read afterwards.
type RegisterMap map[uint16]RegisterDefinition

// NewRegisterMap indexes defs. Later definitions win on duplicate addresses.
func NewRegisterMap(defs []RegisterDefinition) RegisterMap {
	m := make(RegisterMap, len(defs))
	for _, d := range defs {
		m[d.Address] = d
	}
	return m
}

// Lookup returns the definition for address.
func (m RegisterMap) Lookup(address uint16) (RegisterDefinition, bool) {
	d, ok := m[address]
	return d, ok
}

// Writable reports whether address is defined and marked writable.
func (m RegisterMap) Writable(address uint16) bool {
	return m[address].Writable
}

// DataPoint is a single register value prepared for publishing.
type DataPoint struct {
	Key       string      `json:"key"`
	Address   uint16      `json:"address"`
	Name      string      `json:"name,omitempty"`
	Value     interface{} `json:"v"`
	RawValue  interface{} `json:"raw,omitempty"`
	Unit      string      `json:"u,omitempty"`
	Quality   Quality     `json:"q"`
	Timestamp time.Time   `json:"ts"`
}

// MQTTPayload is the compact payload format for MQTT publishing.
type MQTTPayload struct {
	Value     interface{} `json:"v"`
	RawValue  interface{} `json:"raw,omitempty"`
	Unit      string      `json:"u,omitempty"`
	Quality   Quality     `json:"q"`
	Timestamp int64       `json:"ts"`
}

// NewDataPoint builds a data point from a reading. def may be the zero value
// when the register has no presentation metadata.
func NewDataPoint(r Reading, def RegisterDefinition, at time.Time) *DataPoint {
	dp := &DataPoint{
		Key:       Key(r.Address),
		Address:   r.Address,
		Name:      def.Name,
		Unit:      def.Unit,
		Quality:   QualityBad,
		Timestamp: at,
	}
	if !r.Valid {
		return dp
	}
	dp.Quality = QualityGood
	dp.Value = applyScaling(r.Value, def.Scale)
	if def.Scale != 0 && def.Scale != 1 {
		dp.RawValue = r.Value
	}
	return dp
}

// applyScaling multiplies by scale; 0 and 1 leave the raw value untouched.
func applyScaling(v Value, scale float64) interface{} {
	if scale == 0 || scale == 1 {
		return v
	}
	return v.Float64() * scale
}

// ToMQTTPayload converts the DataPoint to a compact MQTT payload.
func (dp *DataPoint) ToMQTTPayload() MQTTPayload {
	return MQTTPayload{
		Value:     dp.Value,
		RawValue:  dp.RawValue,
		Unit:      dp.Unit,
		Quality:   dp.Quality,
		Timestamp: dp.Timestamp.UnixMilli(),
	}
}

// ToJSON serializes the MQTT payload to JSON bytes.
func (dp *DataPoint) ToJSON() ([]byte, error) {
	return json.Marshal(dp.ToMQTTPayload())
}
