// Package hook implements the layer dispatch and hook core (module I):
// per-instance, per-device, and per-swapchain bookkeeping behind stable
// integer handles, plus the present-path glue that feeds recorded frames
// into the timing ring and the daemon IPC client.
//
// The graphics-API hook registration itself (the negotiate/proc-lookup
// boilerplate, chain-advance dance) is out of scope; this package begins
// once a caller already has a resolved dispatch table to store.
package hook

import (
	"errors"
	"sync"
	"time"

	"github.com/capframex/capframexd/internal/layerclient"
	"github.com/capframex/capframexd/internal/timing"
)

// presentTimingExtension is the device extension whose presence lets the
// layer report real present timestamps instead of zeroed ones.
const presentTimingExtension = "VK_GOOGLE_display_timing"

// MaxSwapchainsPerProcess bounds the arena's swapchain table, matching the
// original layer's fixed-size MAX_SWAPCHAINS list.
const MaxSwapchainsPerProcess = 8

// InstanceID, DeviceID, and SwapchainID are stable arena handles. Using
// integers instead of raw pointers breaks the cyclic instance<->device<
// ->swapchain references the original C maintained via back-pointers.
type InstanceID uint64
type DeviceID uint64
type SwapchainID uint64

var (
	// ErrNotFound is returned when a handle has no matching record.
	ErrNotFound = errors.New("hook: handle not found")
	// ErrArenaFull is returned when a creation call would exceed a fixed
	// capacity (MaxSwapchainsPerProcess).
	ErrArenaFull = errors.New("hook: arena at capacity")
)

// InstanceDispatch is the capability struct of instance-scope entry points
// resolved once at creation time and never mutated afterward.
type InstanceDispatch struct {
	DestroyInstance                        func()
	EnumeratePhysicalDevices                func() []uintptr
	GetPhysicalDeviceProperties             func(physicalDevice uintptr) (deviceName string)
	EnumerateDeviceExtensionProperties      func(physicalDevice uintptr) []string
	GetPhysicalDeviceQueueFamilyProperties  func(physicalDevice uintptr) int
}

// DeviceDispatch is the capability struct of device-scope entry points.
type DeviceDispatch struct {
	DestroyDevice    func()
	GetDeviceQueue   func(familyIndex, index uint32) uintptr
	CreateSwapchain  func(info SwapchainCreateInfo) (handle uintptr, err error)
	DestroySwapchain func(handle uintptr)
	QueuePresent     func(imageIndices []uint32) error
	AcquireNextImage func() (imageIndex uint32, err error)
}

// InstanceRecord is the per-instance record.
type InstanceRecord struct {
	ID             InstanceID
	Dispatch       InstanceDispatch
	PhysicalDevice uintptr
	GPUName        string
}

// DeviceRecord is the per-device record. Parent resolves
// the owning instance on demand rather than holding a back-pointer.
type DeviceRecord struct {
	ID                     DeviceID
	Parent                 InstanceID
	Dispatch               DeviceDispatch
	PresentQueue           uintptr
	PresentQueueFamily     uint32
	PresentTimingSupported bool
}

// SwapchainCreateInfo mirrors the subset of swapchain creation parameters
// the daemon cares about.
type SwapchainCreateInfo struct {
	Width, Height, Format, ImageCount uint32
}

// SwapchainRecord is the per-swapchain record.
// FrameCount is monotone for the record's lifetime.
type SwapchainRecord struct {
	ID     SwapchainID
	Device DeviceID
	SwapchainCreateInfo
	FrameCount uint64
	Active     bool
	handle     uintptr
}

// Arena owns every live instance/device/swapchain record for one process
// and drives the present-path glue to the timing ring and IPC client.
type Arena struct {
	mu         sync.Mutex
	instances  map[InstanceID]*InstanceRecord
	devices    map[DeviceID]*DeviceRecord
	swapchains map[SwapchainID]*SwapchainRecord
	nextID     uint64

	ring   *timing.Ring
	client *layerclient.Client
}

// NewArena returns an empty Arena wired to the given timing ring and IPC
// client (module G and module H respectively).
func NewArena(ring *timing.Ring, client *layerclient.Client) *Arena {
	return &Arena{
		instances:  make(map[InstanceID]*InstanceRecord),
		devices:    make(map[DeviceID]*DeviceRecord),
		swapchains: make(map[SwapchainID]*SwapchainRecord),
		ring:       ring,
		client:     client,
	}
}

func (a *Arena) allocID() uint64 {
	a.nextID++
	return a.nextID
}

// CreateInstance stores a new instance record under a fresh InstanceID. The
// caller has already advanced the layer link chain and invoked the next
// CreateInstance.
func (a *Arena) CreateInstance(dispatch InstanceDispatch) InstanceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := InstanceID(a.allocID())
	a.instances[id] = &InstanceRecord{ID: id, Dispatch: dispatch}
	return id
}

// DestroyInstance calls the instance's next DestroyInstance and removes its
// record.
func (a *Arena) DestroyInstance(id InstanceID) error {
	a.mu.Lock()
	rec, ok := a.instances[id]
	if ok {
		delete(a.instances, id)
	}
	a.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if rec.Dispatch.DestroyInstance != nil {
		rec.Dispatch.DestroyInstance()
	}
	return nil
}

// Instance returns a copy of the instance record for id.
func (a *Arena) Instance(id InstanceID) (InstanceRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.instances[id]
	if !ok {
		return InstanceRecord{}, false
	}
	return *rec, true
}

// PhysicalDevices calls the instance's next EnumeratePhysicalDevices,
// for a caller choosing which handle to pass to CreateDevice.
func (a *Arena) PhysicalDevices(id InstanceID) ([]uintptr, error) {
	a.mu.Lock()
	inst, ok := a.instances[id]
	a.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if inst.Dispatch.EnumeratePhysicalDevices == nil {
		return nil, nil
	}
	return inst.Dispatch.EnumeratePhysicalDevices(), nil
}

// CreateDevice resolves the owning instance, reads the physical device's
// GPU name, publishes it to the IPC client, and stores a new device record.
func (a *Arena) CreateDevice(parent InstanceID, physicalDevice uintptr, dispatch DeviceDispatch) (DeviceID, error) {
	a.mu.Lock()
	inst, ok := a.instances[parent]
	if !ok {
		a.mu.Unlock()
		return 0, ErrNotFound
	}

	var gpuName string
	if inst.Dispatch.GetPhysicalDeviceProperties != nil {
		gpuName = inst.Dispatch.GetPhysicalDeviceProperties(physicalDevice)
	}
	inst.PhysicalDevice = physicalDevice
	inst.GPUName = gpuName

	presentTimingSupported := false
	if inst.Dispatch.EnumerateDeviceExtensionProperties != nil {
		for _, ext := range inst.Dispatch.EnumerateDeviceExtensionProperties(physicalDevice) {
			if ext == presentTimingExtension {
				presentTimingSupported = true
				break
			}
		}
	}

	var presentQueueFamily uint32
	if inst.Dispatch.GetPhysicalDeviceQueueFamilyProperties != nil {
		presentQueueFamily = uint32(inst.Dispatch.GetPhysicalDeviceQueueFamilyProperties(physicalDevice))
	}
	var presentQueue uintptr
	if dispatch.GetDeviceQueue != nil {
		presentQueue = dispatch.GetDeviceQueue(presentQueueFamily, 0)
	}

	id := DeviceID(a.allocID())
	a.devices[id] = &DeviceRecord{
		ID:                     id,
		Parent:                 parent,
		Dispatch:               dispatch,
		PresentQueue:           presentQueue,
		PresentQueueFamily:     presentQueueFamily,
		PresentTimingSupported: presentTimingSupported,
	}
	a.mu.Unlock()

	if gpuName != "" && a.client != nil {
		a.client.SetGPUName(gpuName)
	}
	if a.client != nil {
		a.client.SetPresentTimingSupported(presentTimingSupported)
	}
	return id, nil
}

// DestroyDevice drops every swapchain owned by the device, then calls the
// device's next DestroyDevice and removes its record.
func (a *Arena) DestroyDevice(id DeviceID) error {
	a.mu.Lock()
	rec, ok := a.devices[id]
	if !ok {
		a.mu.Unlock()
		return ErrNotFound
	}
	for scID, sc := range a.swapchains {
		if sc.Device == id {
			delete(a.swapchains, scID)
		}
	}
	delete(a.devices, id)
	a.mu.Unlock()

	if rec.Dispatch.DestroyDevice != nil {
		rec.Dispatch.DestroyDevice()
	}
	return nil
}

// Device returns a copy of the device record for id.
func (a *Arena) Device(id DeviceID) (DeviceRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// CreateSwapchain calls the device's next CreateSwapchain and, on success,
// stores a SwapchainRecord and notifies the IPC client of the new
// resolution (replayed on reconnect via the client's pending-send logic).
func (a *Arena) CreateSwapchain(device DeviceID, info SwapchainCreateInfo) (SwapchainID, error) {
	a.mu.Lock()
	dev, ok := a.devices[device]
	if !ok {
		a.mu.Unlock()
		return 0, ErrNotFound
	}
	if len(a.swapchains) >= MaxSwapchainsPerProcess {
		a.mu.Unlock()
		return 0, ErrArenaFull
	}
	a.mu.Unlock()

	var handle uintptr
	var err error
	if dev.Dispatch.CreateSwapchain != nil {
		handle, err = dev.Dispatch.CreateSwapchain(info)
		if err != nil {
			return 0, err
		}
	}

	a.mu.Lock()
	id := SwapchainID(a.allocID())
	a.swapchains[id] = &SwapchainRecord{
		ID:                  id,
		Device:              device,
		SwapchainCreateInfo: info,
		Active:              true,
		handle:              handle,
	}
	a.mu.Unlock()

	if a.client != nil {
		a.client.SetSwapchain(info.Width, info.Height, info.Format, info.ImageCount)
	}
	return id, nil
}

// DestroySwapchain calls the owning device's next DestroySwapchain, removes
// the record, and notifies the IPC client that the swapchain is gone.
func (a *Arena) DestroySwapchain(id SwapchainID) error {
	a.mu.Lock()
	sc, ok := a.swapchains[id]
	if !ok {
		a.mu.Unlock()
		return ErrNotFound
	}
	dev := a.devices[sc.Device]
	delete(a.swapchains, id)
	a.mu.Unlock()

	if dev != nil && dev.Dispatch.DestroySwapchain != nil {
		dev.Dispatch.DestroySwapchain(sc.handle)
	}
	if a.client != nil {
		a.client.ClearSwapchain()
	}
	return nil
}

// Swapchain returns a copy of the swapchain record for id.
func (a *Arena) Swapchain(id SwapchainID) (SwapchainRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sc, ok := a.swapchains[id]
	if !ok {
		return SwapchainRecord{}, false
	}
	return *sc, true
}

// AcquireNextImage calls the owning device's next AcquireNextImage for the
// given swapchain, returning the image index the caller must present.
func (a *Arena) AcquireNextImage(id SwapchainID) (uint32, error) {
	a.mu.Lock()
	sc, ok := a.swapchains[id]
	var dev *DeviceRecord
	if ok {
		dev = a.devices[sc.Device]
	}
	a.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	if dev == nil || dev.Dispatch.AcquireNextImage == nil {
		return 0, nil
	}
	return dev.Dispatch.AcquireNextImage()
}

// Present calls the owning device's next QueuePresent, brackets it with
// wall-clock timestamps for the ring's pre/post-present window, and streams
// the recorded frame to the daemon. actualPresentTimeNS and the
// render/display timestamps come from the platform's present-timing
// extension when PresentTimingSupported is true, zero otherwise.
func (a *Arena) Present(id SwapchainID, imageIndices []uint32, actualPresentTimeNS uint64, msUntilRenderComplete, msUntilDisplayed float32) (timing.Frame, error) {
	a.mu.Lock()
	sc, ok := a.swapchains[id]
	var dev *DeviceRecord
	if ok {
		dev = a.devices[sc.Device]
	}
	if !ok {
		a.mu.Unlock()
		return timing.Frame{}, ErrNotFound
	}
	sc.FrameCount++
	frameNumber := sc.FrameCount
	a.mu.Unlock()

	preNS := uint64(time.Now().UnixNano())
	if dev != nil && dev.Dispatch.QueuePresent != nil {
		if err := dev.Dispatch.QueuePresent(imageIndices); err != nil {
			return timing.Frame{}, err
		}
	}
	postNS := uint64(time.Now().UnixNano())

	frame := a.ring.RecordFrame(frameNumber, preNS, postNS, actualPresentTimeNS, msUntilRenderComplete, msUntilDisplayed)
	if a.client != nil {
		a.client.Present(frame, a.ring.CurrentFPS())
	}
	return frame, nil
}
