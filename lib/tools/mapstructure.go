package tools

import (
	"reflect"
	"time"

	"github.com/yaotthaha/nlset/lib/types"

	"github.com/mitchellh/mapstructure"
)

func NewMapStructureDecoderConfig() *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Squash:           true,
		TagName:          "config",
	}
}

// secondsToTimeDurationHookFunc reads a bare yaml number as seconds.
func secondsToTimeDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(types.TimeDuration(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			seconds := reflect.ValueOf(data).Convert(reflect.TypeOf(float64(0))).Float()
			return types.TimeDuration(seconds * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

func NewMapStructureDecoderFromConfig(config *mapstructure.DecoderConfig) (*mapstructure.Decoder, error) {
	return mapstructure.NewDecoder(config)
}

func NewMapStructureDecoderWithResult(result any) *mapstructure.Decoder {
	decoderConfig := NewMapStructureDecoderConfig()
	decoderConfig.Result = result
	decoder, err := NewMapStructureDecoderFromConfig(decoderConfig)
	if err != nil {
		panic(err)
	}
	return decoder
}
