// Package conf implements the generic configuration decoding used by every
// pluggable driver (storage backends, frontends, middleware hooks) in this
// module: each driver accepts an opaque MapConfig and unmarshals it into
// its own concrete Config type.
package conf

import (
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// MapConfig is a generic, driver-agnostic configuration blob decoded from
// a YAML document. Drivers decode their own sub-section of it with
// Unmarshal, keyed by the "cfg" struct tag (matching the teacher's
// storage/pg and frontend/udp Config structs).
type MapConfig map[string]any

// Unmarshal decodes the receiver into out using the "cfg" struct tag.
func (c MapConfig) Unmarshal(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "cfg",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(c))
}

// ParseYAML decodes a YAML document into a MapConfig tree, recursively
// normalizing map[string]any from yaml.v3's native map[any]any-free
// decoding so mapstructure sees plain string keys throughout.
func ParseYAML(data []byte) (MapConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return MapConfig(raw), nil
}
