package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
	"github.com/troglodite/troglodite/pipecache"
)

var _ gpu.Device = (*Device)(nil)

// OpenPipelineCache creates a pipeline cache seeded from path when the file
// there was written by this device.
func (d *Device) OpenPipelineCache(path string) (core1_0.PipelineCache, error) {
	data, err := pipecache.Load(path, d.PipelineCacheIdentity(), d.log)
	if err != nil {
		return core1_0.PipelineCache{}, err
	}
	return d.CreatePipelineCache(data)
}

// CreatePipelineCache creates a pipeline cache from data already validated
// against this device. Nil data creates an empty cache.
func (d *Device) CreatePipelineCache(data []byte) (core1_0.PipelineCache, error) {
	cache, _, err := d.driver.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{InitialData: data})
	if err != nil {
		return core1_0.PipelineCache{}, errors.Wrap(err, "creating pipeline cache")
	}
	d.log.Debug("pipeline cache created", "seeded", len(data))
	return cache, nil
}

// SavePipelineCache writes the cache contents to path and destroys it.
func (d *Device) SavePipelineCache(cache core1_0.PipelineCache, path string) error {
	defer d.driver.DestroyPipelineCache(cache, nil)
	data, _, err := d.driver.GetPipelineCacheData(cache)
	if err != nil {
		return errors.Wrap(err, "reading pipeline cache")
	}
	return pipecache.Save(path, data)
}
