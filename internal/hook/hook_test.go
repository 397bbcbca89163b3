package hook

import (
	"testing"

	"github.com/capframex/capframexd/internal/timing"
)

func newTestArena() *Arena {
	return NewArena(timing.New(), nil)
}

func TestCreateInstanceAndDevice(t *testing.T) {
	a := newTestArena()

	instID := a.CreateInstance(InstanceDispatch{
		GetPhysicalDeviceProperties: func(uintptr) string { return "ACME X1" },
	})

	devID, err := a.CreateDevice(instID, 0xdead, DeviceDispatch{})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	inst, ok := a.Instance(instID)
	if !ok || inst.GPUName != "ACME X1" {
		t.Fatalf("instance = %+v, ok=%v, want GPUName ACME X1", inst, ok)
	}

	dev, ok := a.Device(devID)
	if !ok || dev.Parent != instID {
		t.Fatalf("device = %+v, ok=%v, want Parent %v", dev, ok, instID)
	}
}

func TestCreateDeviceUnknownInstance(t *testing.T) {
	a := newTestArena()
	if _, err := a.CreateDevice(999, 0, DeviceDispatch{}); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateSwapchainAndPresentIncrementsFrameCount(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{})
	devID, err := a.CreateDevice(instID, 0, DeviceDispatch{})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	scID, err := a.CreateSwapchain(devID, SwapchainCreateInfo{Width: 1920, Height: 1080, Format: 37, ImageCount: 3})
	if err != nil {
		t.Fatalf("CreateSwapchain: %v", err)
	}

	if _, err := a.Present(scID, []uint32{0}, 0, 0, 0); err != nil {
		t.Fatalf("Present: %v", err)
	}
	frame, err := a.Present(scID, []uint32{1}, 0, 0, 0)
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	if frame.FrameNumber != 2 {
		t.Fatalf("FrameNumber = %d, want 2", frame.FrameNumber)
	}

	sc, ok := a.Swapchain(scID)
	if !ok || sc.FrameCount != 2 {
		t.Fatalf("swapchain = %+v, ok=%v, want FrameCount 2", sc, ok)
	}
}

func TestCreateSwapchainRespectsArenaCapacity(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{})
	devID, err := a.CreateDevice(instID, 0, DeviceDispatch{})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	for i := 0; i < MaxSwapchainsPerProcess; i++ {
		if _, err := a.CreateSwapchain(devID, SwapchainCreateInfo{Width: 1280, Height: 720}); err != nil {
			t.Fatalf("CreateSwapchain[%d]: %v", i, err)
		}
	}
	if _, err := a.CreateSwapchain(devID, SwapchainCreateInfo{Width: 1280, Height: 720}); err != ErrArenaFull {
		t.Fatalf("err = %v, want ErrArenaFull", err)
	}
}

func TestDestroyDeviceRemovesOwnedSwapchains(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{})
	devID, err := a.CreateDevice(instID, 0, DeviceDispatch{})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	scID, err := a.CreateSwapchain(devID, SwapchainCreateInfo{Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("CreateSwapchain: %v", err)
	}

	if err := a.DestroyDevice(devID); err != nil {
		t.Fatalf("DestroyDevice: %v", err)
	}
	if _, ok := a.Swapchain(scID); ok {
		t.Fatalf("expected swapchain to be removed along with its device")
	}
	if _, ok := a.Device(devID); ok {
		t.Fatalf("expected device record to be removed")
	}
}

func TestDestroySwapchainCallsNextDestroy(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{})
	var destroyedHandle uintptr
	devID, err := a.CreateDevice(instID, 0, DeviceDispatch{
		CreateSwapchain: func(info SwapchainCreateInfo) (uintptr, error) { return 0xabc, nil },
		DestroySwapchain: func(h uintptr) { destroyedHandle = h },
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	scID, err := a.CreateSwapchain(devID, SwapchainCreateInfo{Width: 800, Height: 600})
	if err != nil {
		t.Fatalf("CreateSwapchain: %v", err)
	}

	if err := a.DestroySwapchain(scID); err != nil {
		t.Fatalf("DestroySwapchain: %v", err)
	}
	if destroyedHandle != 0xabc {
		t.Fatalf("destroyedHandle = %v, want 0xabc", destroyedHandle)
	}
}

func TestDestroyInstanceUnknownReturnsNotFound(t *testing.T) {
	a := newTestArena()
	if err := a.DestroyInstance(42); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPresentUnknownSwapchainReturnsNotFound(t *testing.T) {
	a := newTestArena()
	if _, err := a.Present(42, nil, 0, 0, 0); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPresentInvokesQueuePresentWithAcquiredImage(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{})
	var gotIndices []uint32
	devID, err := a.CreateDevice(instID, 0, DeviceDispatch{
		AcquireNextImage: func() (uint32, error) { return 2, nil },
		QueuePresent: func(imageIndices []uint32) error {
			gotIndices = imageIndices
			return nil
		},
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	scID, err := a.CreateSwapchain(devID, SwapchainCreateInfo{Width: 1920, Height: 1080, ImageCount: 3})
	if err != nil {
		t.Fatalf("CreateSwapchain: %v", err)
	}

	idx, err := a.AcquireNextImage(scID)
	if err != nil {
		t.Fatalf("AcquireNextImage: %v", err)
	}
	if idx != 2 {
		t.Fatalf("AcquireNextImage = %d, want 2", idx)
	}

	if _, err := a.Present(scID, []uint32{idx}, 0, 0, 0); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if len(gotIndices) != 1 || gotIndices[0] != 2 {
		t.Fatalf("QueuePresent called with %v, want [2]", gotIndices)
	}
}

func TestCreateDeviceResolvesPresentQueueAndTimingSupport(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{
		EnumerateDeviceExtensionProperties: func(uintptr) []string {
			return []string{"VK_KHR_swapchain", presentTimingExtension}
		},
		GetPhysicalDeviceQueueFamilyProperties: func(uintptr) int { return 1 },
	})
	devID, err := a.CreateDevice(instID, 0, DeviceDispatch{
		GetDeviceQueue: func(family, index uint32) uintptr { return uintptr(100 + family) },
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	dev, ok := a.Device(devID)
	if !ok {
		t.Fatalf("Device: not found")
	}
	if !dev.PresentTimingSupported {
		t.Fatalf("PresentTimingSupported = false, want true")
	}
	if dev.PresentQueueFamily != 1 || dev.PresentQueue != 101 {
		t.Fatalf("PresentQueueFamily/PresentQueue = %d/%d, want 1/101", dev.PresentQueueFamily, dev.PresentQueue)
	}
}

func TestPhysicalDevicesCallsDispatch(t *testing.T) {
	a := newTestArena()
	instID := a.CreateInstance(InstanceDispatch{
		EnumeratePhysicalDevices: func() []uintptr { return []uintptr{0x1, 0x2} },
	})
	devices, err := a.PhysicalDevices(instID)
	if err != nil {
		t.Fatalf("PhysicalDevices: %v", err)
	}
	if len(devices) != 2 || devices[0] != 0x1 || devices[1] != 0x2 {
		t.Fatalf("PhysicalDevices = %v, want [0x1 0x2]", devices)
	}
}
