package protocol

import "fmt"

// StatusRecord is a decoded curtain status.
type StatusRecord struct {
	// From the advertisement service data.
	BluetoothMode     string `json:"bluetooth_mode"`
	ConnectionAllowed bool   `json:"connection_allowed"`
	Calibrated        bool   `json:"calibrated"`
	Battery           int    `json:"battery"`
	Moving            bool   `json:"moving"`
	Position          int    `json:"position"`
	LightLevel        int    `json:"light_level"`
	ChainLength       int    `json:"chain_length"`

	// From status block 1.
	Firmware              int    `json:"firmware"`
	Direction             string `json:"direction"`
	TouchAndGoEnabled     bool   `json:"touch_and_go_enabled"`
	LightingEffectEnabled bool   `json:"lighting_effect_enabled"`
	Fault                 bool   `json:"fault"`
	SolarPluggedIn        bool   `json:"solar_plugged_in"`
	NumberTimers          int    `json:"number_timers"`

	// From status block 2.
	DelayAction        bool   `json:"delay_action"`
	NumberLightActions int    `json:"number_light_actions"`
	ActionMode         string `json:"action_mode"`

	// From status block 3.
	ChargingDevice0 string `json:"charging_device_0"`
	ChargingDevice1 string `json:"charging_device_1"`
}

// Fields returns the record as a flat field map keyed by wire name.
func (r *StatusRecord) Fields() map[string]any {
	return map[string]any{
		"bluetooth_mode":          r.BluetoothMode,
		"connection_allowed":      r.ConnectionAllowed,
		"calibrated":              r.Calibrated,
		"battery":                 r.Battery,
		"moving":                  r.Moving,
		"position":                r.Position,
		"light_level":             r.LightLevel,
		"chain_length":            r.ChainLength,
		"firmware":                r.Firmware,
		"direction":               r.Direction,
		"touch_and_go_enabled":    r.TouchAndGoEnabled,
		"lighting_effect_enabled": r.LightingEffectEnabled,
		"fault":                   r.Fault,
		"solar_plugged_in":        r.SolarPluggedIn,
		"number_timers":           r.NumberTimers,
		"delay_action":            r.DelayAction,
		"number_light_actions":    r.NumberLightActions,
		"action_mode":             r.ActionMode,
		"charging_device_0":       r.ChargingDevice0,
		"charging_device_1":       r.ChargingDevice1,
	}
}

// AdvertisementLen is the number of service data bytes the decoder reads.
const AdvertisementLen = 5

// DecodeStatus decodes an assembled status buffer (three frame groups of
// 8, 8 and 7 bytes) together with the accessory's advertisement service
// data. Each group's leading response code is validated; any failure
// discards the partially decoded record.
func DecodeStatus(result, advertisement []byte) (*StatusRecord, error) {
	if len(advertisement) < AdvertisementLen {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("advertisement has %d bytes, want %d", len(advertisement), AdvertisementLen),
			Err:    ErrShortBuffer,
		}
	}

	var r StatusRecord
	decodeAdvertisement(&r, advertisement)

	b1, err := statusBlock(result, 0, 8)
	if err != nil {
		return nil, err
	}
	r.Firmware = int(b1[2])
	if b1[4]>>7 == 0 {
		r.Direction = "open to left"
	} else {
		r.Direction = "open to right"
	}
	r.TouchAndGoEnabled = b1[4]&0x40 != 0
	r.LightingEffectEnabled = b1[4]&0x20 != 0
	r.Fault = b1[4]&0x08 != 0
	r.SolarPluggedIn = b1[5]>>7 == 1
	r.NumberTimers = int(b1[7])

	b2, err := statusBlock(result, 8, 3)
	if err != nil {
		return nil, err
	}
	r.DelayAction = b2[1]>>7 == 1
	r.NumberLightActions = int(b2[1] & 0x0F)
	switch mode := b2[2] >> 4; mode {
	case 0:
		r.ActionMode = "performance"
	case 1:
		r.ActionMode = "silent"
	default:
		r.ActionMode = fmt.Sprintf("invalid: %d", mode)
	}

	b3, err := statusBlock(result, 16, 7)
	if err != nil {
		return nil, err
	}
	// Both charging slots share one code table.
	r.ChargingDevice0 = ChargingState(b3[3])
	r.ChargingDevice1 = ChargingState(b3[6])

	return &r, nil
}

func decodeAdvertisement(r *StatusRecord, adv []byte) {
	switch adv[0] {
	case 99:
		r.BluetoothMode = "advertising"
	case 67:
		r.BluetoothMode = "pair"
	default:
		r.BluetoothMode = fmt.Sprintf("unknown: %d", adv[0])
	}
	r.ConnectionAllowed = adv[1]>>7 == 1
	r.Calibrated = adv[1]&0x40 != 0
	r.Battery = int(adv[2] & 0x7F)
	r.Moving = adv[3]>>7 == 1
	r.Position = int(adv[3] & 0x3F)
	r.LightLevel = int(adv[4] >> 4)
	r.ChainLength = int(adv[4] & 0x0F)
}

// statusBlock validates the response code at start and requires need bytes.
func statusBlock(result []byte, start, need int) ([]byte, error) {
	b := block(result, start, need)
	if err := CheckResponse(b); err != nil {
		return nil, err
	}
	if len(b) < need {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("status block at offset %d has %d bytes, want %d", start, len(b), need),
			Err:    ErrShortBuffer,
		}
	}
	return b, nil
}
