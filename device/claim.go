package device

import (
	"github.com/ardnew/softusb/device/hal"
	"github.com/ardnew/softusb/pkg"
)

// claimConfiguration walks config's interfaces in registration order and
// offers each unclaimed one to every registered driver in turn, grounded on
// TinyUSB's process_set_config: the first driver whose Open accepts the
// interface gets it, and the whole interface-association group containing
// that interface (if any) is handed to the same driver in one pass so a
// multi-interface function — CDC-ACM's control-plus-data pair, for instance
// — is never split across two drivers. An interface nothing claims stalls
// SET_CONFIGURATION: the host selected a configuration this firmware build
// cannot actually service.
func claimConfiguration(drivers []ClassDriver, config *Configuration) error {
	if config == nil {
		return nil
	}

	ifaces := config.Interfaces()
	assocs := config.Associations()
	claimed := make([]bool, len(ifaces))

	for idx, iface := range ifaces {
		if claimed[idx] {
			continue
		}

		var driver ClassDriver
		for _, d := range drivers {
			if d.Open(iface) {
				driver = d
				break
			}
		}
		if driver == nil {
			return pkg.ErrInterfaceNotClaimed
		}

		for _, member := range associationGroup(ifaces, assocs, iface) {
			for j, other := range ifaces {
				if other == member {
					claimed[j] = true
				}
			}
			if err := member.SetClassDriver(driver); err != nil {
				return err
			}
		}
	}

	return nil
}

// associationGroup returns every interface sharing iface's interface
// association descriptor (IAD), or just iface itself if it belongs to
// none. TinyUSB's mark_interface_endpoint performs the equivalent grouping
// while walking the raw descriptor bytes; here the association table
// already carries the same information, so a number-range lookup suffices.
func associationGroup(ifaces []*Interface, assocs []InterfaceAssociation, iface *Interface) []*Interface {
	for _, assoc := range assocs {
		last := assoc.FirstInterface + assoc.InterfaceCount
		if iface.Number < assoc.FirstInterface || iface.Number >= last {
			continue
		}
		group := make([]*Interface, 0, assoc.InterfaceCount)
		for _, candidate := range ifaces {
			if candidate.Number >= assoc.FirstInterface && candidate.Number < last {
				group = append(group, candidate)
			}
		}
		return group
	}
	return []*Interface{iface}
}

// activateConfiguration opens every endpoint of config with the DCD, after
// [claimConfiguration] has bound a class driver to every interface. This is
// the runtime work SET_CONFIGURATION owes the hardware once binding is
// settled, grounded on TinyUSB's process_set_config walk over the
// configuration descriptor.
func activateConfiguration(dcd hal.DeviceHAL, config *Configuration) error {
	if config == nil {
		return nil
	}
	for _, iface := range config.Interfaces() {
		for _, ep := range iface.Endpoints() {
			cfg := &hal.EndpointConfig{
				Address:       ep.Address,
				Attributes:    ep.Attributes,
				MaxPacketSize: ep.MaxPacketSize,
				Interval:      ep.Interval,
			}
			if err := dcd.EdptOpen(cfg); err != nil {
				pkg.LogWarn(pkg.ComponentStack, "endpoint open failed",
					"interface", iface.Number, "endpoint", ep.Address, "error", err)
				return err
			}
			ep.ResetDataToggle()
			ep.SetStall(false)
		}
		if starter, ok := iface.ClassDriver().(Starter); ok {
			if err := starter.Start(); err != nil {
				pkg.LogWarn(pkg.ComponentStack, "class driver start failed",
					"interface", iface.Number, "error", err)
				return err
			}
		}
	}
	return nil
}

// deactivateConfiguration closes every endpoint of a configuration being
// replaced or torn down by a bus reset or unplug, releasing any outstanding
// claim or busy state so a later activation starts clean.
func deactivateConfiguration(dcd hal.DeviceHAL, config *Configuration) {
	if config == nil {
		return
	}
	for _, iface := range config.Interfaces() {
		for _, ep := range iface.Endpoints() {
			_ = dcd.EdptClose(ep.Address)
			ep.ClearBusy()
		}
	}
}
