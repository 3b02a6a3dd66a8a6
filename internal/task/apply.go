package task

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Apply populates a factory or job struct from descriptor key/value pairs.
// Values arrive as strings on the wire; weak decoding converts them to the
// numeric, boolean and duration fields of the target. Unknown keys are
// rejected so malformed descriptors fail loudly at decode time.
func Apply(target interface{}, values map[string]string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(values); err != nil {
		return fmt.Errorf("failed to apply values: %w", err)
	}
	return nil
}
