package mock

import (
	"testing"

	"github.com/ardnew/softusb/device/hal"
	"github.com/ardnew/softusb/pkg"
)

type recordingSink struct {
	resets []hal.Speed
	setups []hal.SetupPacket
	xfers  []uint8
}

func (s *recordingSink) EventBusReset(speed hal.Speed, inISR bool) {
	s.resets = append(s.resets, speed)
}
func (s *recordingSink) EventUnplugged(inISR bool) {}
func (s *recordingSink) EventSetupReceived(setup *hal.SetupPacket, inISR bool) {
	s.setups = append(s.setups, *setup)
}
func (s *recordingSink) EventXferComplete(epAddr uint8, length int, status pkg.TransferStatus, inISR bool) {
	s.xfers = append(s.xfers, epAddr)
}
func (s *recordingSink) EventBusSignal(kind hal.BusSignal, inISR bool) {}

func TestDCDBasicCalls(t *testing.T) {
	d := New()
	d.SetEventSink(&recordingSink{})

	if err := d.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := d.EdptOpen(&hal.EndpointConfig{Address: 0x81, MaxPacketSize: 64}); err != nil {
		t.Fatalf("EdptOpen() error = %v", err)
	}
	if !d.IsOpened(0x81) {
		t.Error("IsOpened(0x81) should be true after EdptOpen")
	}
	if err := d.EdptStall(0x81); err != nil {
		t.Fatalf("EdptStall() error = %v", err)
	}
	if !d.IsStalled(0x81) {
		t.Error("IsStalled(0x81) should be true after EdptStall")
	}
	if err := d.EdptClearStall(0x81); err != nil {
		t.Fatalf("EdptClearStall() error = %v", err)
	}
	if d.IsStalled(0x81) {
		t.Error("IsStalled(0x81) should be false after EdptClearStall")
	}
}

func TestDCDInjectEvents(t *testing.T) {
	d := New()
	sink := &recordingSink{}
	d.SetEventSink(sink)

	d.InjectBusReset(hal.SpeedHigh, false)
	if len(sink.resets) != 1 || sink.resets[0] != hal.SpeedHigh {
		t.Errorf("resets = %v, want one SpeedHigh", sink.resets)
	}

	setup := &hal.SetupPacket{Request: 0x06}
	d.InjectSetup(setup, false)
	if len(sink.setups) != 1 || sink.setups[0].Request != 0x06 {
		t.Errorf("setups = %v, want one request 0x06", sink.setups)
	}

	d.InjectXferComplete(0x02, 64, pkg.TransferStatusSuccess, false)
	if len(sink.xfers) != 1 || sink.xfers[0] != 0x02 {
		t.Errorf("xfers = %v, want one on ep 0x02", sink.xfers)
	}
}

func TestDCDEdptXferSynchronousCompletion(t *testing.T) {
	d := New()
	sink := &recordingSink{}
	d.SetEventSink(sink)
	d.XferResult = func(epAddr uint8, buf []byte) (int, pkg.TransferStatus) {
		return len(buf), pkg.TransferStatusSuccess
	}

	buf := make([]byte, 8)
	if err := d.EdptXfer(0x81, buf); err != nil {
		t.Fatalf("EdptXfer() error = %v", err)
	}
	if len(sink.xfers) != 1 || sink.xfers[0] != 0x81 {
		t.Errorf("expected synchronous completion on 0x81, got %v", sink.xfers)
	}
}

func TestDCDFailInit(t *testing.T) {
	d := New()
	d.FailInit = true
	if err := d.Init(); err == nil {
		t.Fatal("Init() should return an error when FailInit is set")
	}
}
