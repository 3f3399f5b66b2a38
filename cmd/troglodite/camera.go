package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
)

type Vertex struct {
	Position mgl32.Vec3
	Color    mgl32.Vec3
}

type UniformBufferObject struct {
	Model mgl32.Mat4
	View  mgl32.Mat4
	Proj  mgl32.Mat4
}

var uniformSize = int(unsafe.Sizeof(UniformBufferObject{}))

// cubeVertices and cubeIndices describe a unit cube with a color per corner.
var cubeVertices = []Vertex{
	{Position: mgl32.Vec3{-0.5, -0.5, -0.5}, Color: mgl32.Vec3{0, 0, 0}},
	{Position: mgl32.Vec3{0.5, -0.5, -0.5}, Color: mgl32.Vec3{1, 0, 0}},
	{Position: mgl32.Vec3{0.5, 0.5, -0.5}, Color: mgl32.Vec3{1, 1, 0}},
	{Position: mgl32.Vec3{-0.5, 0.5, -0.5}, Color: mgl32.Vec3{0, 1, 0}},
	{Position: mgl32.Vec3{-0.5, -0.5, 0.5}, Color: mgl32.Vec3{0, 0, 1}},
	{Position: mgl32.Vec3{0.5, -0.5, 0.5}, Color: mgl32.Vec3{1, 0, 1}},
	{Position: mgl32.Vec3{0.5, 0.5, 0.5}, Color: mgl32.Vec3{1, 1, 1}},
	{Position: mgl32.Vec3{-0.5, 0.5, 0.5}, Color: mgl32.Vec3{0, 1, 1}},
}

var cubeIndices = []uint16{
	0, 2, 1, 0, 3, 2, // back
	4, 5, 6, 4, 6, 7, // front
	0, 1, 5, 0, 5, 4, // bottom
	3, 7, 6, 3, 6, 2, // top
	0, 4, 7, 0, 7, 3, // left
	1, 2, 6, 1, 6, 5, // right
}

func vertexBindings() []core1_0.VertexInputBindingDescription {
	return []core1_0.VertexInputBindingDescription{
		{Binding: 0, Stride: int(unsafe.Sizeof(Vertex{})), InputRate: core1_0.VertexInputRateVertex},
	}
}

func vertexAttributes() []core1_0.VertexInputAttributeDescription {
	v := Vertex{}
	return []core1_0.VertexInputAttributeDescription{
		{Binding: 0, Location: 0, Format: core1_0.FormatR32G32B32SignedFloat, Offset: int(unsafe.Offsetof(v.Position))},
		{Binding: 0, Location: 1, Format: core1_0.FormatR32G32B32SignedFloat, Offset: int(unsafe.Offsetof(v.Color))},
	}
}

// cameraAt returns the uniforms for a cube spinning once every four seconds,
// seen from above one corner.
func cameraAt(seconds float64, extent core1_0.Extent2D) UniformBufferObject {
	period := float32(math.Mod(seconds, 4.0))
	aspect := float32(1)
	if extent.Height > 0 {
		aspect = float32(extent.Width) / float32(extent.Height)
	}

	ubo := UniformBufferObject{
		Model: mgl32.HomogRotate3D(period*mgl32.DegToRad(90), mgl32.Vec3{0, 0, 1}),
		View:  mgl32.LookAtV(mgl32.Vec3{2, 2, 2}, mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}),
		Proj:  perspective(mgl32.DegToRad(45), aspect, 0.1, 10),
	}
	return ubo
}

// perspective is a right-handed projection into Vulkan clip space, where Y
// points down and depth runs from 0 to 1.
func perspective(fovy, aspect, near, far float32) mgl32.Mat4 {
	f := float32(1 / math.Tan(float64(fovy)/2))
	return mgl32.Mat4{
		f / aspect, 0, 0, 0,
		0, -f, 0, 0,
		0, 0, far / (near - far), -1,
		0, 0, near * far / (near - far), 0,
	}
}

// encode lays data out the way the device reads it.
func encode(data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, common.ByteOrder, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
