package main

//go:generate glslc shaders/cube.vert -o shaders/vert.spv
//go:generate glslc shaders/cube.frag -o shaders/frag.spv

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const spirvMagic = 0x07230203

// bytecode reinterprets a SPIR-V module as the words the driver expects.
func bytecode(b []byte) ([]uint32, error) {
	if len(b) < 4 || len(b)%4 != 0 {
		return nil, errors.Newf("%d bytes is not a whole number of SPIR-V words", len(b))
	}
	code := make([]uint32, len(b)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	if code[0] != spirvMagic {
		return nil, errors.Newf("bad SPIR-V magic 0x%08x", code[0])
	}
	return code, nil
}

// loadShaders reads every module named by paths concurrently.
func loadShaders(paths ...string) ([][]uint32, error) {
	code := make([][]uint32, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			b, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrap(err, "reading shader")
			}
			code[i], err = bytecode(b)
			return errors.Wrapf(err, "shader %s", path)
		})
	}
	return code, g.Wait()
}
