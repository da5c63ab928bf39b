package plugin

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// DecodeConfig converts the free-form configuration blob a monitoring
// pack carries for a protocol into the collector's typed Config struct. Already
// typed configs pass through unchanged so programmatic callers and
// tests can hand the struct in directly.
func DecodeConfig[T any](raw any) (T, error) {
	var out T
	if typed, ok := raw.(T); ok {
		return typed, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
	})
	if err != nil {
		return out, errors.Wrap(err, "plugin: build config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return out, errors.Wrap(err, "plugin: decode protocol config")
	}
	return out, nil
}
