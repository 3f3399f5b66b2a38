// Package vulkan implements gpu.Device on top of vkngwrapper, presenting to
// an SDL2 window.
//
// A Device is not safe for concurrent use.
package vulkan

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"

	"github.com/troglodite/troglodite/gpu"
	"github.com/troglodite/troglodite/pipecache"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

type Options struct {
	AppName string
	// Validation enables the Khronos validation layer and routes its
	// messages to Logger.
	Validation bool
	// PresentMode is one of "mailbox", "fifo" or "immediate". Modes the
	// surface does not support fall back to fifo.
	PresentMode string
	Logger      *slog.Logger
}

type queueFamilies struct {
	graphics *int
	present  *int
}

func (q queueFamilies) complete() bool {
	return q.graphics != nil && q.present != nil
}

type commandBuffer struct {
	native core1_0.CommandBuffer
	pool   gpu.CommandPool
}

type swapchain struct {
	native khr_swapchain.Swapchain
	images []gpu.Image
}

type Device struct {
	opts   Options
	log    *slog.Logger
	window *sdl.Window

	global   core1_0.GlobalDriver
	instance core1_0.CoreInstanceDriver
	driver   core1_0.CoreDeviceDriver

	debugDriver     ext_debug_utils.ExtensionDriver
	debugMessenger  ext_debug_utils.DebugUtilsMessenger
	surfaceDriver   khr_surface.ExtensionDriver
	surface         khr_surface.Surface
	swapchainDriver khr_swapchain.ExtensionDriver

	physical   core1_0.PhysicalDevice
	properties *core1_0.PhysicalDeviceProperties
	memory     *core1_0.PhysicalDeviceMemoryProperties
	families   queueFamilies
	graphics   core1_0.Queue
	present    core1_0.Queue

	ids            counter
	images         *table[gpu.Image, core1_0.Image]
	views          *table[gpu.ImageView, core1_0.ImageView]
	allocations    *table[gpu.Memory, core1_0.DeviceMemory]
	buffers        *table[gpu.Buffer, core1_0.Buffer]
	framebuffers   *table[gpu.Framebuffer, core1_0.Framebuffer]
	renderPasses   *table[gpu.RenderPass, core1_0.RenderPass]
	pools          *table[gpu.CommandPool, core1_0.CommandPool]
	commandBuffers *table[gpu.CommandBuffer, commandBuffer]
	fences         *table[gpu.Fence, core1_0.Fence]
	semaphores     *table[gpu.Semaphore, core1_0.Semaphore]
	swapchains     *table[gpu.Swapchain, swapchain]
}

// New creates an instance, a surface over window and a logical device with
// graphics and present queues. The window must have been created with
// sdl.WINDOW_VULKAN.
func New(window *sdl.Window, opts Options) (*Device, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AppName == "" {
		opts.AppName = "troglodite"
	}
	d := &Device{opts: opts, log: opts.Logger, window: window}
	d.images = newTable[gpu.Image, core1_0.Image]("image", &d.ids)
	d.views = newTable[gpu.ImageView, core1_0.ImageView]("image view", &d.ids)
	d.allocations = newTable[gpu.Memory, core1_0.DeviceMemory]("memory", &d.ids)
	d.buffers = newTable[gpu.Buffer, core1_0.Buffer]("buffer", &d.ids)
	d.framebuffers = newTable[gpu.Framebuffer, core1_0.Framebuffer]("framebuffer", &d.ids)
	d.renderPasses = newTable[gpu.RenderPass, core1_0.RenderPass]("render pass", &d.ids)
	d.pools = newTable[gpu.CommandPool, core1_0.CommandPool]("command pool", &d.ids)
	d.commandBuffers = newTable[gpu.CommandBuffer, commandBuffer]("command buffer", &d.ids)
	d.fences = newTable[gpu.Fence, core1_0.Fence]("fence", &d.ids)
	d.semaphores = newTable[gpu.Semaphore, core1_0.Semaphore]("semaphore", &d.ids)
	d.swapchains = newTable[gpu.Swapchain, swapchain]("swapchain", &d.ids)

	var err error
	d.global, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "loading vulkan")
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"creating instance", d.createInstance},
		{"creating debug messenger", d.setupDebugMessenger},
		{"creating surface", d.createSurface},
		{"picking physical device", d.pickPhysicalDevice},
		{"creating logical device", d.createLogicalDevice},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			d.Close()
			return nil, errors.Wrap(err, step.name)
		}
	}

	d.log.Info("vulkan device ready",
		"device", d.properties.DeviceName,
		"driver", d.properties.DriverVersion,
		"graphicsFamily", *d.families.graphics,
		"presentFamily", *d.families.present)
	return d, nil
}

func (d *Device) createInstance() error {
	info := core1_0.InstanceCreateInfo{
		ApplicationName:    d.opts.AppName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "troglodite",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	available, _, err := d.global.AvailableExtensions()
	if err != nil {
		return err
	}
	for _, ext := range d.window.VulkanGetInstanceExtensions() {
		if _, ok := available[ext]; !ok {
			return errors.Newf("missing instance extension %s required by sdl", ext)
		}
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, ext)
	}
	if _, ok := available[khr_portability_enumeration.ExtensionName]; ok {
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		info.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if d.opts.Validation {
		layers, _, err := d.global.AvailableLayers()
		if err != nil {
			return err
		}
		for _, layer := range validationLayers {
			if _, ok := layers[layer]; !ok {
				return errors.Newf("validation layer %s is not available, install the LunarG Vulkan SDK or disable validation", layer)
			}
			info.EnabledLayerNames = append(info.EnabledLayerNames, layer)
		}
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		info.Next = d.debugMessengerInfo()
	}

	d.instance, _, err = d.global.CreateInstance(nil, info)
	return err
}

func (d *Device) debugMessengerInfo() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    d.logDebug,
	}
}

func (d *Device) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}
	d.log.Log(context.Background(), level, data.Message, "type", msgType, "id", data.MessageIDName)
	return false
}

func (d *Device) setupDebugMessenger() error {
	if !d.opts.Validation {
		return nil
	}
	var err error
	d.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(d.instance)
	d.debugMessenger, _, err = d.debugDriver.CreateDebugUtilsMessenger(nil, d.debugMessengerInfo())
	return err
}

func (d *Device) createSurface() error {
	d.surfaceDriver = khr_surface.CreateExtensionDriverFromCoreDriver(d.instance)
	surface, err := vkng_sdl2.CreateSurface(d.instance.Instance(), d.surfaceDriver, d.window)
	if err != nil {
		return err
	}
	d.surface = surface
	return nil
}

func (d *Device) pickPhysicalDevice() error {
	devices, _, err := d.instance.EnumeratePhysicalDevices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		families, ok := d.suitable(device)
		if !ok {
			continue
		}
		d.physical = device
		d.families = families
		d.properties, err = d.instance.GetPhysicalDeviceProperties(device)
		if err != nil {
			return err
		}
		d.memory = d.instance.GetPhysicalDeviceMemoryProperties(device)
		return nil
	}
	return errors.New("no GPU supports graphics and presentation to this window")
}

func (d *Device) suitable(device core1_0.PhysicalDevice) (queueFamilies, bool) {
	families, err := d.findQueueFamilies(device)
	if err != nil || !families.complete() {
		return families, false
	}
	extensions, _, err := d.instance.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return families, false
	}
	for _, ext := range deviceExtensions {
		if _, ok := extensions[ext]; !ok {
			return families, false
		}
	}
	formats, _, err := d.surfaceDriver.GetPhysicalDeviceSurfaceFormats(d.surface, device)
	if err != nil || len(formats) == 0 {
		return families, false
	}
	modes, _, err := d.surfaceDriver.GetPhysicalDeviceSurfacePresentModes(d.surface, device)
	if err != nil || len(modes) == 0 {
		return families, false
	}
	return families, true
}

func (d *Device) findQueueFamilies(device core1_0.PhysicalDevice) (queueFamilies, error) {
	var families queueFamilies
	for i, family := range d.instance.GetPhysicalDeviceQueueFamilyProperties(device) {
		if family.QueueFlags&core1_0.QueueGraphics != 0 && families.graphics == nil {
			idx := i
			families.graphics = &idx
		}
		supported, _, err := d.surfaceDriver.GetPhysicalDeviceSurfaceSupport(d.surface, device, i)
		if err != nil {
			return families, err
		}
		if supported && families.present == nil {
			idx := i
			families.present = &idx
		}
		if families.complete() {
			break
		}
	}
	return families, nil
}

func (d *Device) createLogicalDevice() error {
	unique := []int{*d.families.graphics}
	if *d.families.present != unique[0] {
		unique = append(unique, *d.families.present)
	}
	var queues []core1_0.DeviceQueueCreateInfo
	for _, family := range unique {
		queues = append(queues, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{1.0},
		})
	}

	names := append([]string(nil), deviceExtensions...)
	extensions, _, err := d.instance.EnumerateDeviceExtensionProperties(d.physical)
	if err != nil {
		return err
	}
	// Required on portability implementations such as MoltenVK.
	if _, ok := extensions[khr_portability_subset.ExtensionName]; ok {
		names = append(names, khr_portability_subset.ExtensionName)
	}

	d.driver, _, err = d.instance.CreateDevice(d.physical, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queues,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: names,
	})
	if err != nil {
		return err
	}
	d.graphics = d.driver.GetQueue(*d.families.graphics, 0)
	d.present = d.driver.GetQueue(*d.families.present, 0)
	d.swapchainDriver = khr_swapchain.CreateExtensionDriverFromCoreDriver(d.driver)
	return nil
}

// Driver exposes the native device for work the renderer core does not wrap,
// such as pipeline creation.
func (d *Device) Driver() core1_0.CoreDeviceDriver { return d.driver }

func (d *Device) NativeRenderPass(h gpu.RenderPass) core1_0.RenderPass { return d.renderPasses.get(h) }

func (d *Device) NativeCommandBuffer(h gpu.CommandBuffer) core1_0.CommandBuffer {
	return d.commandBuffers.get(h).native
}

func (d *Device) NativeBuffer(h gpu.Buffer) core1_0.Buffer { return d.buffers.get(h) }

func (d *Device) MinUniformBufferOffsetAlignment() int {
	return d.properties.Limits.MinUniformBufferOffsetAlignment
}

// PipelineCacheIdentity describes the caches this device will accept.
func (d *Device) PipelineCacheIdentity() pipecache.Identity {
	return pipecache.Identity{
		VendorID:  d.properties.VendorID,
		DeviceID:  d.properties.DeviceID,
		CacheUUID: d.properties.PipelineCacheUUID,
	}
}

func (d *Device) WaitIdle() error {
	_, err := d.driver.DeviceWaitIdle()
	return errors.Wrap(err, "waiting for device idle")
}

// Close destroys the device, surface and instance. Objects still live are
// reported and left to the driver.
func (d *Device) Close() {
	leaked := map[string]int{
		"image":          d.images.len(),
		"image view":     d.views.len(),
		"memory":         d.allocations.len(),
		"buffer":         d.buffers.len(),
		"framebuffer":    d.framebuffers.len(),
		"render pass":    d.renderPasses.len(),
		"command pool":   d.pools.len(),
		"fence":          d.fences.len(),
		"semaphore":      d.semaphores.len(),
		"swapchain":      d.swapchains.len(),
		"command buffer": d.commandBuffers.len(),
	}
	for kind, n := range leaked {
		if n > 0 {
			d.log.Warn("live objects at device close", "kind", kind, "count", n)
		}
	}

	if d.driver != nil {
		d.driver.DestroyDevice(nil)
	}
	if d.debugMessenger.Initialized() {
		d.debugDriver.DestroyDebugUtilsMessenger(d.debugMessenger, nil)
	}
	if d.surface.Initialized() {
		d.surfaceDriver.DestroySurface(d.surface, nil)
	}
	if d.instance != nil {
		d.instance.DestroyInstance(nil)
	}
}
