package main

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v3/core1_0"
	"golang.org/x/sync/errgroup"

	"github.com/troglodite/troglodite/config"
	"github.com/troglodite/troglodite/engine"
	"github.com/troglodite/troglodite/gpu/vulkan"
)

// scene draws a spinning cube in the output pass's first subpass.
type scene struct {
	dev *vulkan.Device
	eng *engine.Engine
	log *slog.Logger

	setLayout      core1_0.DescriptorSetLayout
	descriptorPool core1_0.DescriptorPool
	sets           []core1_0.DescriptorSet
	bound          [engine.FramesInFlight]bool
	pipelineLayout core1_0.PipelineLayout
	pipeline       core1_0.Pipeline

	vertices engine.AllocatedBuffer
	indices  engine.AllocatedBuffer
	camera   int
	start    time.Duration
}

func newScene(dev *vulkan.Device, eng *engine.Engine, cfg config.Scene, log *slog.Logger) (*scene, error) {
	s := &scene{dev: dev, eng: eng, log: log, start: hrtime.Now()}

	// Shader modules and the previous run's pipeline cache are independent
	// file reads. Creating a pipeline cache needs no external
	// synchronization.
	var shaders [][]uint32
	var cache core1_0.PipelineCache
	var g errgroup.Group
	g.Go(func() (err error) {
		shaders, err = loadShaders(cfg.VertexShader, cfg.FragmentShader)
		return err
	})
	g.Go(func() (err error) {
		cache, err = dev.OpenPipelineCache(cfg.PipelineCache)
		return err
	})
	if err := g.Wait(); err != nil {
		if cache.Initialized() {
			dev.Driver().DestroyPipelineCache(cache, nil)
		}
		return nil, err
	}

	if err := s.createDescriptors(); err != nil {
		dev.Driver().DestroyPipelineCache(cache, nil)
		s.destroy()
		return nil, errors.Wrap(err, "creating descriptors")
	}

	err := s.createPipeline(shaders[0], shaders[1], cache)
	if saveErr := dev.SavePipelineCache(cache, cfg.PipelineCache); saveErr != nil {
		log.Warn("pipeline cache not saved", "path", cfg.PipelineCache, "error", saveErr)
	}
	if err != nil {
		s.destroy()
		return nil, errors.Wrap(err, "creating pipeline")
	}

	vertexData, err := encode(cubeVertices)
	if err != nil {
		s.destroy()
		return nil, err
	}
	indexData, err := encode(cubeIndices)
	if err != nil {
		s.destroy()
		return nil, err
	}
	if s.vertices, err = eng.UploadToDevice(vertexData, core1_0.BufferUsageVertexBuffer); err != nil {
		s.destroy()
		return nil, errors.Wrap(err, "uploading vertices")
	}
	if s.indices, err = eng.UploadToDevice(indexData, core1_0.BufferUsageIndexBuffer); err != nil {
		s.destroy()
		return nil, errors.Wrap(err, "uploading indices")
	}
	if s.camera, err = eng.CreatePerFrameBuffer(uniformSize, core1_0.BufferUsageUniformBuffer); err != nil {
		s.destroy()
		return nil, errors.Wrap(err, "creating camera buffers")
	}
	return s, nil
}

func (s *scene) createDescriptors() error {
	drv := s.dev.Driver()
	var err error
	s.setLayout, _, err = drv.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: 1,
				StageFlags:      core1_0.StageVertex,
			},
		},
	})
	if err != nil {
		return err
	}

	s.descriptorPool, _, err = drv.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: engine.FramesInFlight,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: engine.FramesInFlight},
		},
	})
	if err != nil {
		return err
	}

	layouts := make([]core1_0.DescriptorSetLayout, engine.FramesInFlight)
	for i := range layouts {
		layouts[i] = s.setLayout
	}
	s.sets, _, err = drv.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: s.descriptorPool,
		SetLayouts:     layouts,
	})
	return err
}

func (s *scene) createPipeline(vert, frag []uint32, cache core1_0.PipelineCache) error {
	drv := s.dev.Driver()

	vertShader, _, err := drv.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{Code: vert})
	if err != nil {
		return err
	}
	defer drv.DestroyShaderModule(vertShader, nil)

	fragShader, _, err := drv.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{Code: frag})
	if err != nil {
		return err
	}
	defer drv.DestroyShaderModule(fragShader, nil)

	s.pipelineLayout, _, err = drv.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{s.setLayout},
	})
	if err != nil {
		return err
	}

	// Viewport and scissor are set per frame, so the pipeline survives
	// swapchain regeneration.
	pipelines, _, err := drv.CreateGraphicsPipelines(&cache, nil, core1_0.GraphicsPipelineCreateInfo{
		Stages: []core1_0.PipelineShaderStageCreateInfo{
			{Stage: core1_0.StageVertex, Module: vertShader, Name: "main"},
			{Stage: core1_0.StageFragment, Module: fragShader, Name: "main"},
		},
		VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{
			VertexBindingDescriptions:   vertexBindings(),
			VertexAttributeDescriptions: vertexAttributes(),
		},
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopologyTriangleList,
		},
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{{}},
			Scissors:  []core1_0.Rect2D{{}},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: core1_0.PolygonModeFill,
			CullMode:    core1_0.CullModeBack,
			FrontFace:   core1_0.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.Samples1,
			MinSampleShading:     1.0,
		},
		DepthStencilState: &core1_0.PipelineDepthStencilStateCreateInfo{
			DepthTestEnable:  true,
			DepthWriteEnable: true,
			DepthCompareOp:   core1_0.CompareOpLess,
		},
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			LogicOp: core1_0.LogicOpCopy,
			Attachments: []core1_0.PipelineColorBlendAttachmentState{
				{ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha},
			},
		},
		DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
			DynamicStates: []core1_0.DynamicState{core1_0.DynamicStateViewport, core1_0.DynamicStateScissor},
		},
		Layout:            s.pipelineLayout,
		RenderPass:        s.dev.NativeRenderPass(s.eng.OutputPass().Handle()),
		Subpass:           0,
		BasePipelineIndex: -1,
	})
	if err != nil {
		return err
	}
	s.pipeline = pipelines[0]
	return nil
}

// RecordDraws updates this slot's camera buffer and draws the cube.
func (s *scene) RecordDraws(frame *engine.FrameContext) error {
	ubo := cameraAt((hrtime.Now() - s.start).Seconds(), frame.Extent)
	data, err := encode(&ubo)
	if err != nil {
		return err
	}
	camera := frame.Buffers[s.camera]
	if err := s.eng.UploadData(camera, 0, data); err != nil {
		return errors.Wrap(err, "writing camera")
	}

	drv := s.dev.Driver()
	set := s.sets[frame.Index]
	if !s.bound[frame.Index] {
		err := drv.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
			{
				DstSet:         set,
				DstBinding:     0,
				DescriptorType: core1_0.DescriptorTypeUniformBuffer,
				BufferInfo: []core1_0.DescriptorBufferInfo{
					{Buffer: s.dev.NativeBuffer(camera.Buffer), Range: uniformSize},
				},
			},
		}, nil)
		if err != nil {
			return err
		}
		s.bound[frame.Index] = true
	}

	cmd := s.dev.NativeCommandBuffer(frame.CommandBuffer)
	drv.CmdBindPipeline(cmd, core1_0.PipelineBindPointGraphics, s.pipeline)
	drv.CmdBindVertexBuffers(cmd, 0, []core1_0.Buffer{s.dev.NativeBuffer(s.vertices.Buffer)}, []int{0})
	drv.CmdBindIndexBuffer(cmd, s.dev.NativeBuffer(s.indices.Buffer), 0, core1_0.IndexTypeUInt16)
	drv.CmdBindDescriptorSets(cmd, core1_0.PipelineBindPointGraphics, s.pipelineLayout, 0, []core1_0.DescriptorSet{set}, nil)
	drv.CmdDrawIndexed(cmd, len(cubeIndices), 1, 0, 0, 0)
	return nil
}

// destroy releases the pipeline objects. Buffers belong to the engine. The
// device must be idle.
func (s *scene) destroy() {
	drv := s.dev.Driver()
	if s.pipeline.Initialized() {
		drv.DestroyPipeline(s.pipeline, nil)
	}
	if s.pipelineLayout.Initialized() {
		drv.DestroyPipelineLayout(s.pipelineLayout, nil)
	}
	if s.descriptorPool.Initialized() {
		drv.DestroyDescriptorPool(s.descriptorPool, nil)
	}
	if s.setLayout.Initialized() {
		drv.DestroyDescriptorSetLayout(s.setLayout, nil)
	}
}
