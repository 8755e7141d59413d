// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"slices"
	"time"

	"github.com/absmach/lwm2m-carrier/pkg/codec"
	"github.com/absmach/lwm2m-carrier/pkg/lwm2m"
	"github.com/absmach/lwm2m-carrier/pkg/registry"
)

// Device resources.
const (
	DeviceManufacturer    uint16 = 0
	DeviceModel           uint16 = 1
	DeviceSerial          uint16 = 2
	DeviceFirmwareVersion uint16 = 3
	DeviceReboot          uint16 = 4
	DeviceFactoryReset    uint16 = 5
	DevicePowerSources    uint16 = 6
	DevicePowerVoltage    uint16 = 7
	DevicePowerCurrent    uint16 = 8
	DeviceBatteryLevel    uint16 = 9
	DeviceMemoryFree      uint16 = 10
	DeviceErrorCode       uint16 = 11
	DeviceResetErrorCode  uint16 = 12
	DeviceCurrentTime     uint16 = 13
	DeviceUTCOffset       uint16 = 14
	DeviceTimezone        uint16 = 15
	DeviceBinding         uint16 = 16
	DeviceType            uint16 = 17
	DeviceHardwareVersion uint16 = 18
	DeviceSoftwareVersion uint16 = 19
	DeviceBatteryStatus   uint16 = 20
	DeviceMemoryTotal     uint16 = 21
)

// Device error codes.
const (
	ErrorNone          int64 = 0
	ErrorLowBattery    int64 = 1
	ErrorExternalPower int64 = 2
	ErrorGPS           int64 = 3
	ErrorLowSignal     int64 = 4
	ErrorOutOfMemory   int64 = 5
	ErrorSMS           int64 = 6
	ErrorIP            int64 = 7
	ErrorPeripheral    int64 = 8
)

// Device is the Device object instance.
type Device struct {
	*registry.Base
	env    *Env
	offset time.Duration
	errors []int64
}

func newDevice(env *Env) *Device {
	d := &Device{Base: registry.NewBase(0), env: env, errors: []int64{ErrorNone}}
	d.Refresh()
	d.Set(DevicePowerSources, lwm2m.IntList(0))
	d.Set(DeviceBatteryLevel, lwm2m.Int(100))
	d.Set(DeviceUTCOffset, lwm2m.String("+00:00"))
	d.Set(DeviceTimezone, lwm2m.String("UTC"))
	return d
}

// Refresh copies the host identity into the instance.
func (d *Device) Refresh() {
	if d.env.Host == nil {
		return
	}
	id := d.env.Host.Identity()
	d.Set(DeviceManufacturer, lwm2m.String(id.Manufacturer))
	d.Set(DeviceModel, lwm2m.String(id.Model))
	d.Set(DeviceSerial, lwm2m.String(id.SerialNumber))
	d.Set(DeviceFirmwareVersion, lwm2m.String(id.FirmwareVersion))
	d.Set(DeviceBinding, lwm2m.String(id.SupportedBinding))
	d.Set(DeviceType, lwm2m.String(id.DeviceType))
	d.Set(DeviceHardwareVersion, lwm2m.String(id.HardwareVersion))
	d.Set(DeviceSoftwareVersion, lwm2m.String(id.SoftwareVersion))
}

// AddError records an error code. The list never holds ErrorNone next to
// a real error.
func (d *Device) AddError(code int64) {
	if slices.Contains(d.errors, code) {
		return
	}
	if len(d.errors) == 1 && d.errors[0] == ErrorNone {
		d.errors = d.errors[:0]
	}
	d.errors = append(d.errors, code)
	d.env.Registry.Changed(lwm2m.ResourcePath(lwm2m.ObjectDevice, 0, DeviceErrorCode))
}

func (d *Device) Read(rid uint16) (lwm2m.Value, error) {
	switch rid {
	case DeviceCurrentTime:
		return lwm2m.Time(d.env.Clock.Now().Add(d.offset)), nil
	case DeviceErrorCode:
		return lwm2m.IntList(d.errors...), nil
	}
	return d.Base.Read(rid)
}

func (d *Device) Write(rid uint16, v lwm2m.Value) error {
	switch rid {
	case DeviceCurrentTime:
		d.offset = time.Unix(v.Int, 0).Sub(d.env.Clock.Now())
		return nil
	case DeviceErrorCode:
		d.errors = d.errors[:0]
		for _, it := range v.Items {
			d.errors = append(d.errors, it.Int)
		}
		if len(d.errors) == 0 {
			d.errors = append(d.errors, ErrorNone)
		}
		return nil
	}
	return d.Base.Write(rid, v)
}

func (d *Device) Execute(rid uint16, _ []byte) error {
	switch rid {
	case DeviceReboot:
		d.env.After(0, d.env.Actions.Reboot)
		return nil
	case DeviceFactoryReset:
		d.env.After(0, d.env.Actions.FactoryReset)
		return nil
	case DeviceResetErrorCode:
		d.errors = []int64{ErrorNone}
		d.env.Registry.Changed(lwm2m.ResourcePath(lwm2m.ObjectDevice, 0, DeviceErrorCode))
		return nil
	}
	return d.Base.Execute(rid, nil)
}

func deviceObject() *registry.Object {
	return &registry.Object{
		ID:   lwm2m.ObjectDevice,
		Name: "Device",
		Resources: []registry.ResourceDef{
			{ID: DeviceManufacturer, Name: "Manufacturer", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceModel, Name: "Model Number", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceSerial, Name: "Serial Number", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceFirmwareVersion, Name: "Firmware Version", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceReboot, Name: "Reboot", Ops: registry.OpE},
			{ID: DeviceFactoryReset, Name: "Factory Reset", Ops: registry.OpE},
			{ID: DevicePowerSources, Name: "Available Power Sources", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: DevicePowerVoltage, Name: "Power Source Voltage", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: DevicePowerCurrent, Name: "Power Source Current", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: DeviceBatteryLevel, Name: "Battery Level", Kind: lwm2m.KindInt, Ops: registry.OpR, Range: codec.Range{Min: 0, Max: 100}},
			{ID: DeviceMemoryFree, Name: "Memory Free", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: DeviceErrorCode, Name: "Error Code", Kind: lwm2m.KindInt, Ops: registry.OpR, Multiple: true},
			{ID: DeviceResetErrorCode, Name: "Reset Error Code", Ops: registry.OpE},
			{ID: DeviceCurrentTime, Name: "Current Time", Kind: lwm2m.KindTime, Ops: registry.OpRW},
			{ID: DeviceUTCOffset, Name: "UTC Offset", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: DeviceTimezone, Name: "Timezone", Kind: lwm2m.KindString, Ops: registry.OpRW},
			{ID: DeviceBinding, Name: "Supported Binding and Modes", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceType, Name: "Device Type", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceHardwareVersion, Name: "Hardware Version", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceSoftwareVersion, Name: "Software Version", Kind: lwm2m.KindString, Ops: registry.OpR},
			{ID: DeviceBatteryStatus, Name: "Battery Status", Kind: lwm2m.KindInt, Ops: registry.OpR},
			{ID: DeviceMemoryTotal, Name: "Memory Total", Kind: lwm2m.KindInt, Ops: registry.OpR},
		},
	}
}
