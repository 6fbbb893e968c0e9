package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// PayloadType tags the closed set of attribute payload shapes.
type PayloadType string

const (
	TypeECG           PayloadType = "ecg"
	TypeHeartRate     PayloadType = "heartrate"
	TypeHRV           PayloadType = "hrv"
	TypeSpO2          PayloadType = "spo2"
	TypeAccelerometer PayloadType = "accelerometer"
	TypeGyroscope     PayloadType = "gyroscope"
	TypeQuaternion    PayloadType = "quaternion"
	TypeGeolocation   PayloadType = "geolocation"
	TypeTemperature   PayloadType = "temperature"
	TypeBattery       PayloadType = "battery"
	TypeButton        PayloadType = "button"
)

// KnownPayloadType reports whether t is part of the closed tagged set.
func KnownPayloadType(t PayloadType) bool {
	switch t {
	case TypeECG, TypeHeartRate, TypeHRV, TypeSpO2, TypeAccelerometer,
		TypeGyroscope, TypeQuaternion, TypeGeolocation, TypeTemperature,
		TypeBattery, TypeButton:
		return true
	}
	return false
}

// Payload is one variant of the closed tagged union carried by a measurement.
// Exactly one variant is populated; Type identifies which.
type Payload struct {
	Type PayloadType `json:"type"`

	ECG           *ECGPayload         `json:"ecg,omitempty"`
	HeartRate     *HeartRatePayload   `json:"heartrate,omitempty"`
	HRV           *HRVPayload         `json:"hrv,omitempty"`
	SpO2          *SpO2Payload        `json:"spo2,omitempty"`
	Accelerometer *VectorPayload      `json:"accelerometer,omitempty"`
	Gyroscope     *VectorPayload      `json:"gyroscope,omitempty"`
	Quaternion    *QuaternionPayload  `json:"quaternion,omitempty"`
	Geolocation   *GeolocationPayload `json:"geolocation,omitempty"`
	Temperature   *TemperaturePayload `json:"temperature,omitempty"`
	Battery       *BatteryPayload     `json:"battery,omitempty"`
	Button        *ButtonPayload      `json:"button,omitempty"`
}

type ECGPayload struct {
	Values []float32 `json:"values"`
}

type HeartRatePayload struct {
	BPM int `json:"bpm"`
}

type HRVPayload struct {
	RMSSD float32 `json:"rmssd"`
	SDNN  float32 `json:"sdnn"`
}

type SpO2Payload struct {
	Value float32 `json:"value"`
}

// VectorPayload covers accelerometer (m/s²) and gyroscope (rad/s) triplets.
type VectorPayload struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

type QuaternionPayload struct {
	W float32 `json:"w"`
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

type GeolocationPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

type TemperaturePayload struct {
	Value float32 `json:"value"`
}

type BatteryPayload struct {
	Level    float32 `json:"level"`
	Charging bool    `json:"charging"`
}

type ButtonPayload struct {
	Pressed bool `json:"pressed"`
}

// Validate checks that the payload variant matching its tag is populated and
// that required fields are in range.
func (p Payload) Validate() error {
	switch p.Type {
	case TypeECG:
		if p.ECG == nil || len(p.ECG.Values) == 0 {
			return fmt.Errorf("ecg payload requires values")
		}
	case TypeHeartRate:
		if p.HeartRate == nil {
			return fmt.Errorf("heartrate payload requires bpm")
		}
	case TypeHRV:
		if p.HRV == nil {
			return fmt.Errorf("hrv payload requires rmssd and sdnn")
		}
	case TypeSpO2:
		if p.SpO2 == nil {
			return fmt.Errorf("spo2 payload requires value")
		}
		if p.SpO2.Value < 0 || p.SpO2.Value > 100 {
			return fmt.Errorf("spo2 value %.2f out of range [0,100]", p.SpO2.Value)
		}
	case TypeAccelerometer:
		if p.Accelerometer == nil {
			return fmt.Errorf("accelerometer payload requires x, y, z")
		}
	case TypeGyroscope:
		if p.Gyroscope == nil {
			return fmt.Errorf("gyroscope payload requires x, y, z")
		}
	case TypeQuaternion:
		if p.Quaternion == nil {
			return fmt.Errorf("quaternion payload requires w, x, y, z")
		}
	case TypeGeolocation:
		if p.Geolocation == nil {
			return fmt.Errorf("geolocation payload requires latitude and longitude")
		}
		if p.Geolocation.Latitude < -90 || p.Geolocation.Latitude > 90 {
			return fmt.Errorf("latitude %.4f out of range", p.Geolocation.Latitude)
		}
		if p.Geolocation.Longitude < -180 || p.Geolocation.Longitude > 180 {
			return fmt.Errorf("longitude %.4f out of range", p.Geolocation.Longitude)
		}
	case TypeTemperature:
		if p.Temperature == nil {
			return fmt.Errorf("temperature payload requires value")
		}
	case TypeBattery:
		if p.Battery == nil {
			return fmt.Errorf("battery payload requires level and charging")
		}
		if p.Battery.Level < 0 || p.Battery.Level > 100 {
			return fmt.Errorf("battery level %.2f out of range [0,100]", p.Battery.Level)
		}
	case TypeButton:
		if p.Button == nil {
			return fmt.Errorf("button payload requires pressed")
		}
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	return nil
}

// Numeric extracts the scalar the novelty detector tracks for this payload.
// IMU triplets and quaternions reduce to their vector norm, ECG arrays to the
// last sample, everything else to its primary scalar. Non-numeric payloads
// (button) report ok=false and are skipped.
func (p Payload) Numeric() (value float64, ok bool) {
	switch p.Type {
	case TypeECG:
		if p.ECG != nil && len(p.ECG.Values) > 0 {
			return float64(p.ECG.Values[len(p.ECG.Values)-1]), true
		}
	case TypeHeartRate:
		if p.HeartRate != nil {
			return float64(p.HeartRate.BPM), true
		}
	case TypeHRV:
		if p.HRV != nil {
			return float64(p.HRV.RMSSD), true
		}
	case TypeSpO2:
		if p.SpO2 != nil {
			return float64(p.SpO2.Value), true
		}
	case TypeAccelerometer:
		if v := p.Accelerometer; v != nil {
			return norm3(float64(v.X), float64(v.Y), float64(v.Z)), true
		}
	case TypeGyroscope:
		if v := p.Gyroscope; v != nil {
			return norm3(float64(v.X), float64(v.Y), float64(v.Z)), true
		}
	case TypeQuaternion:
		if q := p.Quaternion; q != nil {
			return math.Sqrt(float64(q.W)*float64(q.W) + float64(q.X)*float64(q.X) +
				float64(q.Y)*float64(q.Y) + float64(q.Z)*float64(q.Z)), true
		}
	case TypeGeolocation:
		if g := p.Geolocation; g != nil && g.Speed != nil {
			return *g.Speed, true
		}
	case TypeTemperature:
		if p.Temperature != nil {
			return float64(p.Temperature.Value), true
		}
	case TypeBattery:
		if p.Battery != nil {
			return float64(p.Battery.Level), true
		}
	}
	return 0, false
}

func norm3(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// DecodePayload unmarshals a raw wire payload against a declared type tag.
func DecodePayload(payloadType PayloadType, raw json.RawMessage) (Payload, error) {
	p := Payload{Type: payloadType}
	var err error
	switch payloadType {
	case TypeECG:
		p.ECG = &ECGPayload{}
		err = json.Unmarshal(raw, p.ECG)
	case TypeHeartRate:
		p.HeartRate = &HeartRatePayload{}
		err = json.Unmarshal(raw, p.HeartRate)
	case TypeHRV:
		p.HRV = &HRVPayload{}
		err = json.Unmarshal(raw, p.HRV)
	case TypeSpO2:
		p.SpO2 = &SpO2Payload{}
		err = json.Unmarshal(raw, p.SpO2)
	case TypeAccelerometer:
		p.Accelerometer = &VectorPayload{}
		err = json.Unmarshal(raw, p.Accelerometer)
	case TypeGyroscope:
		p.Gyroscope = &VectorPayload{}
		err = json.Unmarshal(raw, p.Gyroscope)
	case TypeQuaternion:
		p.Quaternion = &QuaternionPayload{}
		err = json.Unmarshal(raw, p.Quaternion)
	case TypeGeolocation:
		p.Geolocation = &GeolocationPayload{}
		err = json.Unmarshal(raw, p.Geolocation)
	case TypeTemperature:
		p.Temperature = &TemperaturePayload{}
		err = json.Unmarshal(raw, p.Temperature)
	case TypeBattery:
		p.Battery = &BatteryPayload{}
		err = json.Unmarshal(raw, p.Battery)
	case TypeButton:
		p.Button = &ButtonPayload{}
		err = json.Unmarshal(raw, p.Button)
	default:
		return Payload{}, fmt.Errorf("unknown payload type %q", payloadType)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("decode %s payload: %w", payloadType, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
