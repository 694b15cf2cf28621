/*
Package core provides shared domain constants for the agrisense backend.

The device type enumeration lives here so that all reading verticals
reference one single declaration.
*/
package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// DeviceType classifies a device's expected data vertical. Every device
// has exactly one type, and a reading vertical only accepts writes for
// devices of its matching type.
type DeviceType int

// all supported device types. The integer values are stable and stored
// in the database.
const (
	DeviceTypeAny     DeviceType = 0 // no type requirement
	DeviceTypeMobile  DeviceType = 1
	DeviceTypeQGIS    DeviceType = 2
	DeviceTypeWeather DeviceType = 3
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeMobile:  "MOBILE",
	DeviceTypeQGIS:    "QGIS",
	DeviceTypeWeather: "WEATHER_STATION",
}

// String returns the canonical name of the device type
func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// Valid returns true for the concrete device types, false for
// DeviceTypeAny and unknown values
func (t DeviceType) Valid() bool {
	_, ok := deviceTypeNames[t]
	return ok
}

// ParseDeviceType converts a canonical name into a device type
func ParseDeviceType(s string) (DeviceType, error) {
	for t, name := range deviceTypeNames {
		if name == s {
			return t, nil
		}
	}
	return DeviceTypeAny, fmt.Errorf("%s is not a valid device type", s)
}

// MarshalJSON marshals the device type as its canonical name
func (t DeviceType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid device type %d", int(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts both the canonical name and the stable integer value
func (t *DeviceType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseDeviceType(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("device type must be a name or an integer")
	}
	if !DeviceType(i).Valid() {
		return fmt.Errorf("%d is not a valid device type", i)
	}
	*t = DeviceType(i)
	return nil
}
