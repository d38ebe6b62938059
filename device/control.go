package device

import (
	"github.com/ardnew/softusb/device/hal"
	"github.com/ardnew/softusb/pkg"
)

// controlStage names a step in the EP0 state machine.
type controlStage uint8

// Control transfer stages: Idle -> SetupReceived(implicit) ->
// {DataOut|DataIn if present} -> {StatusIn|StatusOut} -> Idle.
const (
	stageIdle controlStage = iota
	stageDataIn
	stageDataOut
	stageStatusIn
	stageStatusOut
)

// epCtrlOut and epCtrlIn are the two addresses of the shared control
// endpoint: both halves live at endpoint number 0.
const (
	epCtrlOut = 0x00
	epCtrlIn  = 0x80
)

// controlEngine drives the three-stage EP0 control transfer handshake. It
// runs entirely on the device task: handleSetup is only ever called from
// [Stack.dispatch], never concurrently with itself.
type controlEngine struct {
	dcd     hal.DeviceHAL
	device  *Device
	handler *StandardRequestHandler

	stage controlStage
	setup SetupPacket

	// outBuf holds the OUT data stage payload until the request can be
	// dispatched as a whole; control transfers are small and bounded by
	// MaxControlDataSize so a fixed scratch buffer avoids allocation.
	outBuf [MaxControlDataSize]byte

	// drivers is the registration-order list of class drivers offered each
	// unclaimed interface during SET_CONFIGURATION. See [Stack.RegisterClassDriver].
	drivers []ClassDriver
}

func newControlEngine(dcd hal.DeviceHAL, dev *Device) *controlEngine {
	return &controlEngine{
		dcd:     dcd,
		device:  dev,
		handler: NewStandardRequestHandler(dev),
		stage:   stageIdle,
	}
}

// reset returns the engine to Idle, discarding any transfer in progress.
// Called on bus reset and unplug.
func (c *controlEngine) reset() {
	c.stage = stageIdle
}

// handleSetup begins a new control transfer. A SETUP packet arriving while
// one is already in progress replaces it, matching a real host's right to
// abort a transfer mid-stream.
func (c *controlEngine) handleSetup(s *hal.SetupPacket) {
	c.setup = SetupPacket{
		RequestType: s.RequestType,
		Request:     s.Request,
		Value:       s.Value,
		Index:       s.Index,
		Length:      s.Length,
	}

	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", c.setup.String())

	if c.setup.IsHostToDevice() && c.setup.Length > 0 {
		c.beginDataOut()
		return
	}
	c.runRequest(nil)
}

// beginDataOut starts the OUT data stage: read the host's payload into
// outBuf before the request handler can run.
func (c *controlEngine) beginDataOut() {
	length := int(c.setup.Length)
	if length > len(c.outBuf) {
		length = len(c.outBuf)
	}
	c.stage = stageDataOut
	if err := c.dcd.EdptXfer(epCtrlOut, c.outBuf[:length]); err != nil {
		c.stall(err)
	}
}

// runRequest dispatches the setup packet (with its OUT data, if any) to the
// standard or interface-class handler and starts the response stage.
// SET_CONFIGURATION and SET_ADDRESS are special-cased ahead of the generic
// path: the former must run the claiming algorithm and reprogram the DCD's
// endpoint table, the latter must not go through the engine's own status
// stage at all.
func (c *controlEngine) runRequest(data []byte) {
	setup := &c.setup

	if setup.IsStandard() && setup.IsHostToDevice() {
		switch setup.Request {
		case RequestSetConfiguration:
			c.runSetConfiguration(setup)
			return
		case RequestSetAddress:
			c.runSetAddress(setup)
			return
		}
	}

	resp, err := c.dispatchRequest(setup, data)
	if err != nil {
		c.stall(err)
		return
	}

	c.startResponse(resp)
}

// runSetAddress implements SET_ADDRESS per USB 2.0 9.4.6: the DCD alone
// decides whether the status stage goes out before or after the address
// register is written, so the engine programs the new address immediately
// and hands off, running none of its own status-stage machinery for this
// request.
func (c *controlEngine) runSetAddress(setup *SetupPacket) {
	address := uint8(setup.Value & 0x7F)
	if err := c.device.SetAddress(address); err != nil {
		c.stall(err)
		return
	}
	if err := c.dcd.SetAddress(address); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "dcd set address failed",
			"address", address, "error", err)
	}
	c.stage = stageIdle
}

// dispatchRequest runs the synchronous, allocation-free request handlers:
// standard requests go through [StandardRequestHandler], everything else is
// routed to the recipient interface's class driver.
func (c *controlEngine) dispatchRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	if setup.IsStandard() {
		return c.handler.HandleSetup(setup, data)
	}

	if !setup.IsInterfaceRecipient() {
		return nil, pkg.ErrInvalidRequest
	}

	iface := c.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return nil, pkg.ErrInvalidRequest
	}
	resp, handled, err := iface.HandleSetup(setup, data)
	if err != nil {
		return nil, err
	}
	if !handled {
		return nil, pkg.ErrInvalidRequest
	}
	return resp, nil
}

// runSetConfiguration special-cases SET_CONFIGURATION so the DCD's endpoint
// tables and the interfaces' class-driver bindings stay in sync with the
// device's active configuration: dispatch the request, close out the
// configuration it replaced, then claim every interface of the newly
// active one against the registered drivers before opening its endpoints
// and acking. If claiming fails, the device is left unconfigured and EP0
// stalls.
func (c *controlEngine) runSetConfiguration(setup *SetupPacket) {
	oldConfig := c.device.ActiveConfiguration()

	_, err := c.handler.HandleSetup(setup, nil)
	if err != nil {
		c.stall(err)
		return
	}

	newConfig := c.device.ActiveConfiguration()
	if oldConfig != nil && oldConfig != newConfig {
		deactivateConfiguration(c.dcd, oldConfig)
	}
	if newConfig != nil && newConfig != oldConfig {
		if err := claimConfiguration(c.drivers, newConfig); err != nil {
			_ = c.device.SetConfiguration(0)
			c.stall(err)
			return
		}
		if err := activateConfiguration(c.dcd, newConfig); err != nil {
			c.stall(err)
			return
		}
	}

	c.startResponse(nil)
}

// startResponse begins the stage appropriate to the request's direction:
// a DATA IN stage for device-to-host requests with a response, otherwise
// the status stage directly.
func (c *controlEngine) startResponse(resp []byte) {
	if c.setup.IsDeviceToHost() {
		c.beginDataIn(resp)
		return
	}
	c.beginStatusIn()
}

func (c *controlEngine) beginDataIn(data []byte) {
	length := len(data)
	if uint16(length) > c.setup.Length {
		length = int(c.setup.Length)
	}
	if length == 0 {
		c.beginStatusOut()
		return
	}
	c.stage = stageDataIn
	if err := c.dcd.EdptXfer(epCtrlIn, data[:length]); err != nil {
		c.stall(err)
	}
}

// beginStatusIn starts a zero-length IN status stage: used both for the
// no-data-stage case and after an OUT data stage completes.
func (c *controlEngine) beginStatusIn() {
	c.stage = stageStatusIn
	if err := c.dcd.EdptXfer(epCtrlIn, nil); err != nil {
		c.stall(err)
	}
}

// beginStatusOut starts a zero-length OUT status stage, following an IN
// data stage.
func (c *controlEngine) beginStatusOut() {
	c.stage = stageStatusOut
	if err := c.dcd.EdptXfer(epCtrlOut, nil); err != nil {
		c.stall(err)
	}
}

// handleXferComplete advances the state machine after EP0 activity. A
// non-success status aborts the transfer back to Idle; the host is expected
// to retry or give up.
func (c *controlEngine) handleXferComplete(length int, status pkg.TransferStatus) {
	if status != pkg.TransferStatusSuccess {
		c.stage = stageIdle
		return
	}

	switch c.stage {
	case stageDataOut:
		c.runRequest(c.outBuf[:length])
	case stageDataIn:
		c.beginStatusOut()
	case stageStatusIn:
		c.finishTransfer()
	case stageStatusOut:
		c.finishTransfer()
	}
}

func (c *controlEngine) finishTransfer() {
	setup := hal.SetupPacket{
		RequestType: c.setup.RequestType,
		Request:     c.setup.Request,
		Value:       c.setup.Value,
		Index:       c.setup.Index,
		Length:      c.setup.Length,
	}
	c.stage = stageIdle
	c.dcd.Edpt0StatusComplete(&setup)
}

func (c *controlEngine) stall(err error) {
	pkg.LogWarn(pkg.ComponentStack, "stalling control endpoint",
		"request", c.setup.String(), "error", err)
	c.stage = stageIdle
	_ = c.dcd.EdptStall(epCtrlOut)
	_ = c.dcd.EdptStall(epCtrlIn)
}
