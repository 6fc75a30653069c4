//go:build vulkan && cgo

package vulkan

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	vk "github.com/vulkan-go/vulkan"

	"github.com/pbatko/scalag/internal/gpu"
	"github.com/pbatko/scalag/internal/logging"
)

// Device is a headless Vulkan device with one queue used for transfers.
type Device struct {
	instance vk.Instance
	physical vk.PhysicalDevice
	device   vk.Device
	queue    vk.Queue
	family   uint32

	name  string
	kind  gpu.DeviceType
	types []gpu.MemoryType

	alloc *Allocator
	pool  *CommandPool

	closeOnce sync.Once
}

var _ gpu.Device = (*Device)(nil)

// The loader is process wide; initializing it twice is an error
var (
	loaderOnce sync.Once
	loaderErr  error
)

func loadVulkan() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = errors.Wrap(err, "load vulkan library")
			return
		}
		loaderErr = errors.Wrap(vk.Init(), "initialize vulkan")
	})
	return loaderErr
}

func check(res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	return gpu.Result(res)
}

// Open creates an instance and a logical device on the selected physical
// device.
func Open(opts Options) (*Device, error) {
	if err := loadVulkan(); err != nil {
		return nil, err
	}

	appName := opts.AppName
	if appName == "" {
		appName = "scalag"
	}

	var layers []string
	if opts.Validation {
		layers = append(layers, "VK_LAYER_KHRONOS_validation\x00")
	}

	var instance vk.Instance
	err := check(vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:            vk.StructureTypeApplicationInfo,
			PApplicationName: appName + "\x00",
			PEngineName:      "scalag\x00",
			ApiVersion:       vk.MakeVersion(1, 0, 0),
		},
		EnabledLayerCount:   uint32(len(layers)),
		PpEnabledLayerNames: layers,
	}, nil, &instance))
	if err != nil {
		return nil, errors.Wrap(err, "create instance")
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, errors.Wrap(err, "load instance functions")
	}

	d := &Device{instance: instance}
	if err := d.init(opts.DeviceIndex); err != nil {
		d.release()
		return nil, err
	}

	logging.Get().WithFields(logrus.Fields{
		"device": d.name,
		"type":   d.kind.String(),
		"types":  len(d.types),
	}).Info("Opened Vulkan device")

	return d, nil
}

func (d *Device) init(index int) error {
	var count uint32
	if err := check(vk.EnumeratePhysicalDevices(d.instance, &count, nil)); err != nil {
		return errors.Wrap(err, "enumerate physical devices")
	}
	if count == 0 {
		return errors.New("no Vulkan physical devices found")
	}
	if index < 0 || index >= int(count) {
		return errors.Newf("physical device %d out of range, found %d", index, count)
	}

	physical := make([]vk.PhysicalDevice, count)
	if err := check(vk.EnumeratePhysicalDevices(d.instance, &count, physical)); err != nil {
		return errors.Wrap(err, "enumerate physical devices")
	}
	d.physical = physical[index]

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(d.physical, &props)
	props.Deref()
	props.Limits.Deref()

	d.name = vk.ToString(props.DeviceName[:])
	switch props.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		d.kind = gpu.DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeDiscreteGpu:
		d.kind = gpu.DeviceTypeDiscreteGPU
	default:
		d.kind = gpu.DeviceTypeOther
	}

	d.types = memoryTypes(d.physical)

	family, ok := transferFamily(d.physical)
	if !ok {
		return errors.Newf("%s has no queue family supporting transfers", d.name)
	}
	d.family = family

	var device vk.Device
	err := check(vk.CreateDevice(d.physical, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
	}, nil, &device))
	if err != nil {
		return errors.Wrap(err, "create logical device")
	}
	d.device = device

	var queue vk.Queue
	vk.GetDeviceQueue(device, family, 0, &queue)
	d.queue = queue

	d.alloc = newAllocator(device, d.types, int64(props.Limits.NonCoherentAtomSize))

	pool, err := newCommandPool(device, queue, family, d.alloc)
	if err != nil {
		return err
	}
	d.pool = pool

	return nil
}

func memoryTypes(physical vk.PhysicalDevice) []gpu.MemoryType {
	var mp vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(physical, &mp)
	mp.Deref()

	types := make([]gpu.MemoryType, 0, mp.MemoryTypeCount)
	for i := uint32(0); i < mp.MemoryTypeCount; i++ {
		mt := mp.MemoryTypes[i]
		mt.Deref()
		heap := mp.MemoryHeaps[mt.HeapIndex]
		heap.Deref()

		types = append(types, gpu.MemoryType{
			Index:      int(i),
			HeapIndex:  int(mt.HeapIndex),
			HeapSize:   int64(heap.Size),
			Properties: gpu.MemoryPropertyFlags(mt.PropertyFlags),
		})
	}
	return types
}

// transferFamily returns the first queue family that can run copy commands.
// Graphics and compute queues support transfers implicitly.
func transferFamily(physical vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(physical, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(physical, &count, families)

	want := vk.QueueFlags(vk.QueueTransferBit | vk.QueueComputeBit | vk.QueueGraphicsBit)
	for i := range families {
		families[i].Deref()
		if families[i].QueueCount > 0 && families[i].QueueFlags&want != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Type() gpu.DeviceType {
	return d.kind
}

func (d *Device) Allocator() gpu.Allocator {
	return d.alloc
}

func (d *Device) CommandPool() gpu.CommandPool {
	return d.pool
}

func (d *Device) MemoryTypes() []gpu.MemoryType {
	return slices.Clone(d.types)
}

// Close waits for the device to go idle, frees every buffer still alive and
// destroys the device and instance.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.device != nil {
			err = check(vk.DeviceWaitIdle(d.device))
		}
		d.release()
	})
	return err
}

func (d *Device) release() {
	if d.alloc != nil {
		if leaked := d.alloc.close(); leaked > 0 {
			logging.Get().WithField("buffers", leaked).Warn("Closed Vulkan device with live buffers")
		}
	}
	if d.pool != nil {
		d.pool.destroy()
	}
	if d.device != nil {
		vk.DestroyDevice(d.device, nil)
		d.device = nil
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
}
